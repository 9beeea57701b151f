package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/tool-hub/internal/config"
)

// 未配置请求超时时使用的默认值
const defaultRequestTimeout = 3 * time.Second

// KeyValue 带版本号的键值
type KeyValue struct {
	Key         string
	Value       []byte
	ModRevision int64
}

// Client 封装了etcd客户端
type Client struct {
	client         *clientv3.Client
	prefix         string
	requestTimeout time.Duration
}

// NewClient 创建一个新的etcd客户端
func NewClient(cfg *config.EtcdConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd端点不能为空")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &Client{
		client:         client,
		prefix:         strings.TrimSuffix(cfg.Prefix, "/"),
		requestTimeout: requestTimeout,
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping 检查etcd集群状态
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	endpoints := c.client.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("etcd端点不能为空")
	}
	if _, err := c.client.Status(ctx, endpoints[0]); err != nil {
		return fmt.Errorf("etcd健康检查失败: %w", err)
	}
	return nil
}

// Key 返回带全局前缀的完整键
func (c *Client) Key(parts ...string) string {
	return c.prefix + "/" + strings.Join(parts, "/")
}

// Get 获取键值，键不存在时返回nil
func (c *Client) Get(ctx context.Context, key string) (*KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("etcd获取键值失败 [%s]: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, nil // 键不存在
	}

	kv := resp.Kvs[0]
	return &KeyValue{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision}, nil
}

// GetWithPrefix 获取指定前缀的所有键值，按键排序
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) ([]*KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("etcd获取前缀键值失败 [%s]: %w", prefix, err)
	}

	result := make([]*KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result = append(result, &KeyValue{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision})
	}

	return result, nil
}

// Put 设置键值
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if _, err := c.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("etcd设置键值失败 [%s]: %w", key, err)
	}

	return nil
}

// DeleteWithPrefix 删除指定前缀的所有键值
func (c *Client) DeleteWithPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if _, err := c.client.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("etcd删除前缀键值失败 [%s]: %w", prefix, err)
	}

	return nil
}

// Commit 在一个事务中执行操作，比较条件全部成立时返回true
func (c *Client) Commit(ctx context.Context, cmps []clientv3.Cmp, ops []clientv3.Op) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return false, fmt.Errorf("etcd事务提交失败: %w", err)
	}

	return resp.Succeeded, nil
}

// DeleteIfUnchanged 当键的版本号仍为modRevision时删除
func (c *Client) DeleteIfUnchanged(ctx context.Context, key string, modRevision int64) (bool, error) {
	return c.Commit(ctx,
		[]clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", modRevision)},
		[]clientv3.Op{clientv3.OpDelete(key)},
	)
}

// PutIfUnchanged 当键的版本号仍为modRevision时写入（键不存在时modRevision为0）
func (c *Client) PutIfUnchanged(ctx context.Context, key string, value []byte, modRevision int64) (bool, error) {
	return c.Commit(ctx,
		[]clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", modRevision)},
		[]clientv3.Op{clientv3.OpPut(key, string(value))},
	)
}
