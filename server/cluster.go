/******************************************************************************
 *
 *  Description :
 *
 *    Relaying of published messages between gateway nodes over Redis pub/sub.
 *    Only messages on persistent channels are relayed; page presence is
 *    local to each node.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testmycode/tmc-comet/server/logs"
)

const (
	// Default Redis pub/sub channel shared by all nodes.
	defaultClusterChannel = "tmc-comet:bus"

	// Messages waiting to be sent to Redis.
	clusterQueueSize = 1024

	// Timeout for a single publish call to Redis.
	clusterWriteWait = 5 * time.Second
)

type clusterConfig struct {
	// Redis URL, e.g. redis://:password@localhost:6379/0
	RedisURL string `json:"redis_url"`
	// Redis pub/sub channel.
	Channel string `json:"channel"`
	// Name of this node. A random name is used if missing.
	ThisName string `json:"self"`
}

// Envelope of a relayed message.
type clusterMsg struct {
	// Name of the node which published the message.
	Node    string          `json:"node"`
	Channel string          `json:"chan"`
	Data    json.RawMessage `json:"data"`
}

// Cluster is the set of gateway nodes sharing one Redis pub/sub channel.
type Cluster struct {
	thisNodeName string
	channel      string

	rdb    *redis.Client
	pubsub *redis.PubSub

	// Outbound messages.
	out chan *clusterMsg
	// Delivers messages from other nodes to local subscribers.
	deliver func(channel string, data json.RawMessage)

	stop chan struct{}
	wg   sync.WaitGroup
}

// clusterInit connects to Redis. Returns nil, nil if clustering is not configured.
func clusterInit(conf *clusterConfig, deliver func(channel string, data json.RawMessage)) (*Cluster, error) {
	if conf == nil || conf.RedisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return nil, errors.New("cluster: invalid redis_url: " + err.Error())
	}

	c := &Cluster{
		thisNodeName: conf.ThisName,
		channel:      conf.Channel,
		rdb:          redis.NewClient(opts),
		out:          make(chan *clusterMsg, clusterQueueSize),
		deliver:      deliver,
		stop:         make(chan struct{}),
	}
	if c.thisNodeName == "" {
		c.thisNodeName = uuid.NewString()
	}
	if c.channel == "" {
		c.channel = defaultClusterChannel
	}

	ctx, cancel := context.WithTimeout(context.Background(), clusterWriteWait)
	defer cancel()

	c.pubsub = c.rdb.Subscribe(ctx, c.channel)
	// Wait for the subscription to be confirmed.
	if _, err := c.pubsub.Receive(ctx); err != nil {
		c.pubsub.Close()
		c.rdb.Close()
		return nil, errors.New("cluster: failed to subscribe: " + err.Error())
	}

	c.wg.Add(2)
	go c.sendLoop()
	go c.receiveLoop()

	logs.Info.Printf("cluster: node '%s' joined channel '%s'", c.thisNodeName, c.channel)
	return c, nil
}

// relay queues the message for other nodes. Never blocks: the message is
// dropped if the queue is full.
func (c *Cluster) relay(channel string, data json.RawMessage) {
	if c == nil {
		return
	}

	select {
	case c.out <- &clusterMsg{Node: c.thisNodeName, Channel: channel, Data: data}:
	default:
		logs.Warn.Println("cluster: outbound queue full, message dropped", channel)
	}
}

func (c *Cluster) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				logs.Err.Println("cluster: failed to serialize", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), clusterWriteWait)
			if err := c.rdb.Publish(ctx, c.channel, payload).Err(); err != nil {
				logs.Warn.Println("cluster: failed to publish", msg.Channel, err)
			}
			cancel()
		case <-c.stop:
			return
		}
	}
}

func (c *Cluster) receiveLoop() {
	defer c.wg.Done()

	// The channel is closed when pubsub is closed.
	for raw := range c.pubsub.Channel() {
		var msg clusterMsg
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			logs.Warn.Println("cluster: malformed message", err)
			continue
		}
		if msg.Node == c.thisNodeName {
			// Own message.
			continue
		}
		if !validChannelName(msg.Channel) || len(msg.Data) == 0 {
			logs.Warn.Println("cluster: invalid message from", msg.Node)
			continue
		}
		c.deliver(msg.Channel, msg.Data)
	}
}

func (c *Cluster) shutdown() {
	if c == nil {
		return
	}

	close(c.stop)
	c.pubsub.Close()
	c.wg.Wait()
	c.rdb.Close()

	logs.Info.Printf("cluster: node '%s' shut down", c.thisNodeName)
}
