// Package telemetry is the daemon-mode companion to pkg/boaclient: a
// Redis-backed job queue and event publisher modeled directly on the
// teacher's pkg/redis client and its WatchRedisCommands BRPOP loop, CBOR
// envelopes replacing the teacher's plain command strings because a
// daemon job carries structured fields (address, length, path) that a
// bare string cannot.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// JobsKey is the Redis list a daemon blocks on for incoming work,
// mirroring the teacher's KeyBLECommandList.
const JobsKey = "boaprog:jobs"

// EventsChannel is the Redis pub/sub channel results are published to.
const EventsChannel = "boaprog:events"

// Job is one unit of work popped off JobsKey. Op selects which fields
// apply: "ping" and "id" use none, "read" uses Addr/Length, "write" uses
// Addr/Data, "upload"/"run" use Path, "jump"/"call" use Addr.
type Job struct {
	Op     string `cbor:"op"`
	Addr   uint32 `cbor:"addr,omitempty"`
	Length uint32 `cbor:"length,omitempty"`
	Path   string `cbor:"path,omitempty"`
	Data   []byte `cbor:"data,omitempty"`
}

// Event is the result of one Job, published to EventsChannel.
type Event struct {
	Op     string `cbor:"op"`
	OK     bool   `cbor:"ok"`
	Error  string `cbor:"error,omitempty"`
	Result []byte `cbor:"result,omitempty"`
}

// Client is a thin Redis wrapper scoped to the job queue and event
// channel, grounded on the teacher's pkg/redis.Client (same New/Close
// shape, same BRPop-driven watch loop).
type Client struct {
	rdb *redis.Client
	ctx context.Context
}

// New connects to addr and verifies the connection with a PING, the same
// way the teacher's pkg/redis.New does.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis at %s: %w", addr, err)
	}
	return &Client{rdb: rdb, ctx: ctx}, nil
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// PublishEvent CBOR-encodes ev and publishes it to EventsChannel.
func (c *Client) PublishEvent(ev Event) error {
	data, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	return c.rdb.Publish(c.ctx, EventsChannel, data).Err()
}

// Enqueue CBOR-encodes job and LPUSHes it onto JobsKey, for callers that
// submit work from outside the daemon process.
func (c *Client) Enqueue(job Job) error {
	data, err := cbor.Marshal(job)
	if err != nil {
		return fmt.Errorf("telemetry: encode job: %w", err)
	}
	return c.rdb.LPush(c.ctx, JobsKey, data).Err()
}

// WatchJobs blocks on BRPOP against JobsKey and invokes handle for every
// Job it decodes, until stop is closed. Modeled directly on the
// teacher's WatchRedisCommands: an unbounded retry loop that logs and
// backs off briefly on transport errors rather than giving up.
func (c *Client) WatchJobs(stop <-chan struct{}, handle func(Job)) {
	log.Printf("telemetry: watching for jobs on list key %s", JobsKey)
	for {
		select {
		case <-stop:
			log.Println("telemetry: stopping job watcher")
			return
		default:
		}

		result, err := c.rdb.BRPop(c.ctx, time.Second, JobsKey).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Printf("telemetry: BRPOP on %s: %v", JobsKey, err)
				time.Sleep(time.Second)
			}
			continue
		}
		if len(result) != 2 {
			log.Printf("telemetry: unexpected BRPOP result: %v", result)
			continue
		}

		var job Job
		if err := cbor.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("telemetry: malformed job envelope: %v", err)
			continue
		}
		handle(job)
	}
}
