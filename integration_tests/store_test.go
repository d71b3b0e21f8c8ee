package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/plugins"
	"github.com/guido-cesarano/captchad/pkg/store"
	"github.com/redis/go-redis/v9"
)

type connected struct{}

func (connected) IsClientConnected() bool { return true }

// setupIntegrationRedis connects to the local Redis instance.
// Requires docker-compose up -d (or cmd/redis_server) to be running.
func setupIntegrationRedis(t *testing.T) *store.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}

	// Clear mirror keys for clean state
	keys, _ := rdb.Keys(ctx, "captcha:*").Result()
	if len(keys) > 0 {
		rdb.Del(ctx, keys...)
	}

	return store.NewClient("localhost:6379")
}

func TestIntegrationMirrorFlow(t *testing.T) {
	client := setupIntegrationRedis(t)
	defer client.Close()
	ctx := context.Background()

	registry := plugins.NewRegistry()
	mirror := store.NewMirror(client)
	if err := registry.Register(mirror); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	manager := captcha.NewManager(connected{}, registry)

	// 1. Dispatch a task, the mirror picks it up
	task := manager.NewTask([]byte("img"), "png", "integration.rar", captcha.Textual)
	if !manager.HandleCaptcha(task, time.Minute) {
		t.Fatalf("HandleCaptcha rejected task: %s", task.Error())
	}

	pending, err := client.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != task.ID() {
		t.Fatalf("Expected task %s pending, got %+v", task.ID(), pending)
	}

	// 2. Answer it and sync
	task.SetResult("integration")
	if err := mirror.Sync(ctx, manager.Tasks()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, err := client.Answer(ctx, task.ID()); err != nil {
		t.Errorf("Expected stored answer, got %v", err)
	}

	// 3. Remove it and sync again
	manager.RemoveTask(task)
	if err := mirror.Sync(ctx, manager.Tasks()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	stats := client.Stats(ctx)
	if stats["mirrored"] != 0 {
		t.Errorf("Expected no mirrored tasks, got %d", stats["mirrored"])
	}
	if stats["pending"] != 0 {
		t.Errorf("Expected no pending tasks, got %d", stats["pending"])
	}
}
