package etcd

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hewenyu/tool-hub/internal/config"
)

// NewClientForTest 连接ETCD_ENDPOINTS指定的etcd，未设置时跳过测试。
// 每次调用使用独立的键前缀，测试结束时清理。
func NewClientForTest(t *testing.T) *Client {
	t.Helper()

	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("跳过测试，ETCD_ENDPOINTS 未设置")
		return nil
	}

	prefix := fmt.Sprintf("/tool-hub-test/%s", uuid.New().String())
	client, err := NewClient(&config.EtcdConfig{
		Endpoints:      []string{endpoints},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
		Prefix:         prefix,
	})
	if err != nil {
		t.Skip("跳过测试，无法连接到etcd: ", err)
		return nil
	}

	t.Cleanup(func() {
		_ = client.DeleteWithPrefix(context.Background(), prefix+"/")
		_ = client.Close()
	})

	return client
}
