package client_test

import (
	"context"
	"fmt"
	"log"

	"github.com/cachemir/upcache/internal/server"
	"github.com/cachemir/upcache/pkg/client"
	"github.com/cachemir/upcache/pkg/config"
)

func Example() {
	ctx := context.Background()

	srv := server.New(config.DefaultServerConfig())
	if err := srv.Listen(ctx); err != nil {
		log.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	c, err := client.Dial(ctx, srv.Addr().String())
	if err != nil {
		log.Fatal(err)
	}

	if err := c.Set(ctx, "greeting", []byte("hello")); err != nil {
		log.Fatal(err)
	}
	value, found, err := c.Get(ctx, "greeting")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s %t\n", value, found)

	visits, err := c.Incr(ctx, "visits")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("visits:", visits)

	if err := c.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
	<-done

	// Output:
	// hello true
	// visits: 1
}
