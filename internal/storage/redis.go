// Package storage persists coordinator state in Redis so counters and the
// switch history survive restarts.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/defpool/defpool-server/internal/util"
)

const (
	keyPrefix = "defpool:"

	keyMiners       = keyPrefix + "miners"
	keyMiner        = keyPrefix + "miners:%s"
	keyMinerWorkers = keyPrefix + "miners:%s:workers"
	keyWorker       = keyPrefix + "miners:%s:workers:%s"
	keySwitches     = keyPrefix + "switches"
	keyCurrent      = keyPrefix + "current"
	keyScores       = keyPrefix + "scores"
	keyBlacklist    = keyPrefix + "blacklist"
	keyWhitelist    = keyPrefix + "whitelist"
)

// RedisClient wraps Redis operations for the coordinator
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// WriteShare bumps the miner and worker counters for one share.
func (r *RedisClient) WriteShare(share *ShareRecord) error {
	counter := "invalid"
	if share.Valid {
		counter = "valid"
	}

	pipe := r.client.TxPipeline()

	pipe.SAdd(r.ctx, keyMiners, share.Wallet)

	minerKey := fmt.Sprintf(keyMiner, share.Wallet)
	pipe.HIncrBy(r.ctx, minerKey, "total", 1)
	pipe.HIncrBy(r.ctx, minerKey, counter, 1)
	pipe.HSetNX(r.ctx, minerKey, "createdAt", share.Timestamp)
	pipe.HSet(r.ctx, minerKey, "lastSeen", share.Timestamp)

	if share.Worker != "" {
		pipe.SAdd(r.ctx, fmt.Sprintf(keyMinerWorkers, share.Wallet), share.Worker)

		workerKey := fmt.Sprintf(keyWorker, share.Wallet, share.Worker)
		pipe.HIncrBy(r.ctx, workerKey, "total", 1)
		pipe.HIncrBy(r.ctx, workerKey, counter, 1)
		pipe.HSetNX(r.ctx, workerKey, "createdAt", share.Timestamp)
		pipe.HSet(r.ctx, workerKey, "lastSeen", share.Timestamp)
	}

	_, err := pipe.Exec(r.ctx)
	return err
}

// GetMiner returns miner data, nil if the wallet is unknown.
func (r *RedisClient) GetMiner(wallet string) (*Miner, error) {
	data, err := r.client.HGetAll(r.ctx, fmt.Sprintf(keyMiner, wallet)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	miner := &Miner{Wallet: wallet}
	miner.TotalShares, miner.ValidShares, miner.InvalidShares, miner.CreatedAt, miner.LastSeen = parseCounters(data)
	return miner, nil
}

// GetWorkers returns all persisted workers of a wallet.
func (r *RedisClient) GetWorkers(wallet string) ([]*Worker, error) {
	names, err := r.client.SMembers(r.ctx, fmt.Sprintf(keyMinerWorkers, wallet)).Result()
	if err != nil {
		return nil, err
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(r.ctx, fmt.Sprintf(keyWorker, wallet, name))
	}
	if len(names) > 0 {
		if _, err := pipe.Exec(r.ctx); err != nil {
			return nil, err
		}
	}

	workers := make([]*Worker, 0, len(names))
	for i, name := range names {
		data := cmds[i].Val()
		if len(data) == 0 {
			continue
		}
		w := &Worker{Name: name}
		w.TotalShares, w.ValidShares, w.InvalidShares, w.CreatedAt, w.LastSeen = parseCounters(data)
		workers = append(workers, w)
	}
	return workers, nil
}

// LoadMiners returns every persisted miner with its workers.
func (r *RedisClient) LoadMiners() ([]*Miner, error) {
	wallets, err := r.client.SMembers(r.ctx, keyMiners).Result()
	if err != nil {
		return nil, err
	}

	miners := make([]*Miner, 0, len(wallets))
	for _, wallet := range wallets {
		miner, err := r.GetMiner(wallet)
		if err != nil {
			return nil, err
		}
		if miner == nil {
			continue
		}
		if miner.Workers, err = r.GetWorkers(wallet); err != nil {
			return nil, err
		}
		miners = append(miners, miner)
	}
	return miners, nil
}

func parseCounters(data map[string]string) (total, valid, invalid uint64, createdAt, lastSeen int64) {
	valid, _ = strconv.ParseUint(data["valid"], 10, 64)
	invalid, _ = strconv.ParseUint(data["invalid"], 10, 64)
	// total is derived so the two halves always add up
	total = valid + invalid
	createdAt, _ = strconv.ParseInt(data["createdAt"], 10, 64)
	lastSeen, _ = strconv.ParseInt(data["lastSeen"], 10, 64)
	return
}

// WriteSwitch prepends a switch entry and trims the list to capacity.
func (r *RedisClient) WriteSwitch(rec *SwitchRecord, capacity int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(r.ctx, keySwitches, data)
	pipe.LTrim(r.ctx, keySwitches, 0, capacity-1)
	_, err = pipe.Exec(r.ctx)
	return err
}

// GetSwitches returns up to limit switch entries, newest first.
func (r *RedisClient) GetSwitches(limit int64) ([]*SwitchRecord, error) {
	items, err := r.client.LRange(r.ctx, keySwitches, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*SwitchRecord, 0, len(items))
	for _, item := range items {
		var rec SwitchRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			util.Warnf("Skipping corrupt switch record: %v", err)
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// SetCurrentTarget records the selector state. An empty name clears it.
func (r *RedisClient) SetCurrentTarget(cur *CurrentTarget) error {
	if cur == nil || cur.Name == "" {
		return r.client.Del(r.ctx, keyCurrent).Err()
	}
	return r.client.HSet(r.ctx, keyCurrent,
		"name", cur.Name,
		"generation", cur.Generation,
		"switchedAt", cur.SwitchedAt,
	).Err()
}

// GetCurrentTarget returns the recorded selector state, nil if none.
func (r *RedisClient) GetCurrentTarget() (*CurrentTarget, error) {
	data, err := r.client.HGetAll(r.ctx, keyCurrent).Result()
	if err != nil {
		return nil, err
	}
	if data["name"] == "" {
		return nil, nil
	}
	cur := &CurrentTarget{Name: data["name"]}
	cur.Generation, _ = strconv.ParseUint(data["generation"], 10, 64)
	cur.SwitchedAt, _ = strconv.ParseInt(data["switchedAt"], 10, 64)
	return cur, nil
}

// WriteScores replaces the stored score table. The key expires after ttl
// so a dead coordinator does not leave scores looking fresh.
func (r *RedisClient) WriteScores(scores []ScoreRecord, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.Del(r.ctx, keyScores)
	for _, s := range scores {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		pipe.HSet(r.ctx, keyScores, s.Target, data)
	}
	if ttl > 0 {
		pipe.Expire(r.ctx, keyScores, ttl)
	}
	_, err := pipe.Exec(r.ctx)
	return err
}

// GetScores returns the stored score table keyed by target.
func (r *RedisClient) GetScores() (map[string]ScoreRecord, error) {
	data, err := r.client.HGetAll(r.ctx, keyScores).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]ScoreRecord, len(data))
	for name, raw := range data {
		var rec ScoreRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out[name] = rec
	}
	return out, nil
}

// IsBlacklisted checks if a wallet or IP is blacklisted
func (r *RedisClient) IsBlacklisted(ip string) (bool, error) {
	return r.client.SIsMember(r.ctx, keyBlacklist, ip).Result()
}

// AddToBlacklist adds a wallet or IP to the blacklist
func (r *RedisClient) AddToBlacklist(ip string) error {
	return r.client.SAdd(r.ctx, keyBlacklist, ip).Err()
}

// RemoveFromBlacklist removes a wallet or IP from the blacklist
func (r *RedisClient) RemoveFromBlacklist(ip string) error {
	return r.client.SRem(r.ctx, keyBlacklist, ip).Err()
}

// GetBlacklist returns all blacklisted wallets and IPs
func (r *RedisClient) GetBlacklist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyBlacklist).Result()
}

// GetWhitelist returns all whitelisted IPs
func (r *RedisClient) GetWhitelist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyWhitelist).Result()
}

// AddToWhitelist adds an IP to the whitelist
func (r *RedisClient) AddToWhitelist(ip string) error {
	return r.client.SAdd(r.ctx, keyWhitelist, ip).Err()
}
