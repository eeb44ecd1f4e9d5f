// Command demo drives a three-replica VR group over the live TCP
// transport, the way topecongiro-vr's own test/main.go drove its single
// hardcoded replica: start every replica, then closed-loop a client
// against it and report whether every invocation round-tripped.
package main

import (
	"fmt"
	"log"
	"time"

	smr "github.com/neatsys-failures/oskr"
	"github.com/neatsys-failures/oskr/transport"
	"github.com/neatsys-failures/oskr/vr"
)

func main() {
	config := smr.Config{F: 1, ReplicaAddresses: []string{
		"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003",
	}}
	const dialTimeout = 2 * time.Second
	const batchSize = 1

	for i, addr := range config.ReplicaAddresses {
		t, err := transport.NewLive(transport.Address(addr), config, dialTimeout)
		if err != nil {
			log.Fatalf("replica %d: %v", i, err)
		}
		vr.NewReplica[transport.Address](smr.ReplicaId(i), t, smr.NewMock(), batchSize)
	}

	clientTransport, err := transport.NewLive("127.0.0.1:9000", config, dialTimeout)
	if err != nil {
		log.Fatal(err)
	}
	c := vr.NewClient[transport.Address](clientTransport)

	const total = 1000
	sum := 0
	for i := 0; i < total; i++ {
		op := fmt.Sprintf("%d", i)
		done := make(chan struct{})
		// Invoke (and everything it touches on c) must run on the
		// transport's own dispatch goroutine, the same stream that
		// delivers replies into c, per spec §5's single-logical-stream
		// model — calling it from main would race dispatchLoop.
		clientTransport.Spawn(func() {
			c.Invoke(smr.NewData([]byte(op)), func(smr.Data) {
				sum++
				close(done)
			})
		})
		<-done
	}
	if sum != total {
		log.Printf("demo failed: sum = %d\n", sum)
		return
	}
	fmt.Println("Success!")
}
