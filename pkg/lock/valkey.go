package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// renewScript extends the TTL only while the key still holds our token
var renewScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ValkeyLocker is a Locker shared by every server instance through Valkey
type ValkeyLocker struct {
	client valkey.Client
}

// NewValkeyLocker creates a locker on an existing client
func NewValkeyLocker(client valkey.Client) *ValkeyLocker {
	return &ValkeyLocker{client: client}
}

// Acquire issues SET key token NX PX ttl
func (l *ValkeyLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	cmd := l.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	err := l.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return true, nil
}

// Renew runs a compare-and-expire script against key
func (l *ValkeyLocker) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Exec(ctx, l.client, []string{key}, []string{token, fmt.Sprint(ttl.Milliseconds())}).AsInt64()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to renew lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Dial connects to Valkey and verifies the connection with PING
func Dial(ctx context.Context, address, password string, db int) (valkey.Client, error) {
	if address == "" {
		return nil, errors.New("valkey address is required")
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{address},
		Password:    password,
		SelectDB:    db,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}
	return client, nil
}
