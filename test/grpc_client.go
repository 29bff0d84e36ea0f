package main

import (
	"context"
	"flag"
	"io"
	"log"
	"sync"
	"time"

	"github.com/EternisAI/silo-relay/internal/grpc/frame"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	address  = flag.String("address", "localhost:9090", "relay gRPC address")
	agentID  = flag.String("agent-id", "smoke-agent-1", "agent id to announce")
	agentKey = flag.String("agent-key", "", "agent key, if the relay requires one")
	pings    = flag.Int("pings", 3, "number of ping frames to send")
	delay    = flag.Duration("delay", 2*time.Second, "delay between pings")
	linger   = flag.Duration("linger", 5*time.Second, "how long to wait for commands after the last ping")
)

// Connects as an agent, pings the relay and answers every command it receives
// without running it.
func main() {
	flag.Parse()

	log.Printf("Connecting to relay at %s", *address)

	conn, err := grpc.NewClient(*address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stream, err := frame.NewStream(ctx, conn)
	if err != nil {
		log.Fatalf("Failed to open stream: %v", err)
	}

	send(stream, frame.Hello(*agentID, *agentKey))
	log.Printf("Sent hello as %s", *agentID)

	errChan := make(chan error, 1)
	go receiveFrames(stream, errChan)

	for i := 0; i < *pings; i++ {
		time.Sleep(*delay)
		send(stream, frame.New(frame.TypePing))
		log.Printf("Sent ping %d/%d", i+1, *pings)
	}

	select {
	case err := <-errChan:
		if err != nil && err != io.EOF {
			log.Printf("Receive error: %v", err)
		}
	case <-time.After(*linger):
	}

	if err := stream.CloseSend(); err != nil {
		log.Printf("Error closing send: %v", err)
	}
	log.Println("Done")
}

// sendMu serializes Send; the receive loop answers pings and commands.
var sendMu sync.Mutex

func send(stream frame.StreamClient, f frame.Frame) {
	sendMu.Lock()
	defer sendMu.Unlock()

	msg, err := f.ToStruct()
	if err != nil {
		log.Fatalf("Failed to encode %s frame: %v", f.Type, err)
	}
	if err := stream.Send(msg); err != nil {
		log.Fatalf("Failed to send %s frame: %v", f.Type, err)
	}
}

func receiveFrames(stream frame.StreamClient, errChan chan<- error) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			errChan <- err
			return
		}
		f, err := frame.FromStruct(msg)
		if err != nil {
			log.Printf("Dropping malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case frame.TypePong:
			log.Printf("Received pong id=%s", f.ID)
		case frame.TypePing:
			send(stream, frame.New(frame.TypePong))
		case frame.TypeCommand:
			log.Printf("Received command id=%s from=%s: %s", f.ID, f.From, f.Command)
			send(stream, frame.Result(*agentID, f.ID, f.Command, false, "smoke client does not execute commands"))
		case frame.TypeError:
			log.Printf("Relay error: %s", f.Output)
		default:
			log.Printf("Received %s frame", f.Type)
		}
	}
}
