package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"svocraft.ai/internal/protocol"
	"svocraft.ai/internal/sim/octree"
	"svocraft.ai/internal/sim/terrain/gen"
	"svocraft.ai/internal/sim/tuning"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "client name")
		radius     = flag.Int("radius", 2, "request chunks within this many chunks of the origin")
		tuningPath = flag.String("tuning", "", "tuning.yaml used to regenerate chunks locally and compare (optional)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME, got %s", welcome.Type)
	}
	wp := welcome.WorldParams
	logger.Printf("WELCOME session=%s levels=%d side=%d seed=%d max_queue=%d", welcome.SessionID, wp.Levels, wp.SideLength, wp.Seed, welcome.MaxQueue)

	var local *gen.Generator
	if *tuningPath != "" {
		tune, err := tuning.Load(*tuningPath)
		if err != nil {
			logger.Fatalf("load tuning: %v", err)
		}
		if tune.ChunkLevels != wp.Levels || tune.WorldGen.Seed != wp.Seed {
			logger.Fatalf("local tuning (levels=%d seed=%d) does not match server", tune.ChunkLevels, tune.WorldGen.Seed)
		}
		if local, err = gen.New(tune.WorldGen, tune.ChunkLevels); err != nil {
			logger.Fatalf("worldgen: %v", err)
		}
	}

	var queue [][3]int
	for cx := -*radius; cx <= *radius; cx++ {
		for cy := wp.MinChunkY - 1; cy <= wp.MaxChunkY+1; cy++ {
			for cz := -*radius; cz <= *radius; cz++ {
				queue = append(queue, [3]int{cx, cy, cz})
			}
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	c := &client{conn: conn, logger: logger, local: local, pending: map[string][3]int{}}
	maxQ := welcome.MaxQueue
	if maxQ <= 0 {
		maxQ = 1
	}
	start := time.Now()
	next := 0
	for next < len(queue) || len(c.pending) > 0 {
		select {
		case <-stop:
			return
		default:
		}
		for next < len(queue) && len(c.pending) < maxQ {
			if err := c.request(fmt.Sprintf("r%d", next), queue[next]); err != nil {
				logger.Fatalf("send CHUNK_REQ: %v", err)
			}
			next++
		}
		if err := c.readOne(); err != nil {
			logger.Fatalf("%v", err)
		}
	}
	logger.Printf("received %d chunks (%d uniform, %s nodes, %s) in %s",
		c.chunks, c.uniform, humanize.Comma(int64(c.nodes)), humanize.Bytes(c.bytes), time.Since(start).Round(time.Millisecond))
	if c.failures > 0 {
		logger.Fatalf("%d chunks failed verification", c.failures)
	}
}

type client struct {
	conn   *websocket.Conn
	logger *log.Logger
	local  *gen.Generator

	pending map[string][3]int

	chunks, uniform, nodes, failures int
	bytes                            uint64
}

func (c *client) request(id string, pos [3]int) error {
	c.pending[id] = pos
	return c.conn.WriteJSON(protocol.ChunkReqMsg{
		Type:            protocol.TypeChunkReq,
		ProtocolVersion: protocol.Version,
		ReqID:           id,
		Pos:             pos[:],
	})
}

func (c *client) readOne() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch base.Type {
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return err
		}
		delete(c.pending, e.ReqID)
		c.failures++
		c.logger.Printf("ERROR req=%s code=%s: %s", e.ReqID, e.Code, e.Message)
		return nil

	case protocol.TypeChunk:
		var hdr protocol.ChunkMsg
		if err := json.Unmarshal(msg, &hdr); err != nil {
			return err
		}
		typ, buf, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read buffer: %w", err)
		}
		if typ != websocket.BinaryMessage {
			return fmt.Errorf("req %s: expected binary frame after CHUNK", hdr.ReqID)
		}
		delete(c.pending, hdr.ReqID)
		if err := c.verify(hdr, buf); err != nil {
			c.failures++
			c.logger.Printf("chunk %v: %v", hdr.Pos, err)
		}
		return nil
	}
	return nil
}

func (c *client) verify(hdr protocol.ChunkMsg, buf []byte) error {
	tree, err := octree.FromBytes(buf, hdr.Levels)
	if err != nil {
		return err
	}
	if tree.Len() != hdr.NodeCount {
		return fmt.Errorf("node_count %d but buffer holds %d", hdr.NodeCount, tree.Len())
	}
	d := tree.Digest()
	if hex.EncodeToString(d[:]) != hdr.Digest {
		return fmt.Errorf("digest mismatch")
	}
	if c.local != nil {
		want, _, err := c.local.Generate(hdr.Pos[0], hdr.Pos[1], hdr.Pos[2])
		if err != nil {
			return err
		}
		if want.Digest() != d {
			return fmt.Errorf("differs from local generation")
		}
	}
	c.chunks++
	c.nodes += tree.Len()
	c.bytes += uint64(len(buf))
	if tree.Len() == 1 {
		c.uniform++
	}
	return nil
}
