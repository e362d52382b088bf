package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/huddle/server"
)

func main() {
	srv, err := server.New()
	if err != nil {
		fmt.Printf("failed to start huddle: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Run(); err != nil {
		fmt.Printf("huddle error: %v\n", err)
		os.Exit(1)
	}

	waitForSignal()
}

// waitForSignal 阻塞等待 SIGINT / SIGTERM
func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down...")
}
