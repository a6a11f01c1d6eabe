package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap"
	"github.com/junbin-yang/coap-go/pkg/endpoint"
	"github.com/junbin-yang/coap-go/pkg/transaction"
	"github.com/junbin-yang/coap-go/pkg/transport/udp"
	"github.com/junbin-yang/coap-go/pkg/utils/logger"
)

func main() {
	remoteFlag := flag.String("remote", "127.0.0.1:5683", "server address")
	pathFlag := flag.String("path", "/hello", "request path")
	nonFlag := flag.Bool("non", false, "send non-confirmable instead of confirmable")
	flag.Parse()

	remoteAddr, err := net.ResolveUDPAddr("udp", *remoteFlag)
	if err != nil {
		logger.Errorf("[coap-client] bad remote address %q: %v", *remoteFlag, err)
		os.Exit(1)
	}

	transport := udp.New(nil, logger.Default())
	ep, err := endpoint.New(transport, nil)
	if err != nil {
		logger.Errorf("[coap-client] failed to start: %v", err)
		os.Exit(1)
	}
	defer ep.Close()

	mtype := coap.Confirmable
	if *nonFlag {
		mtype = coap.NonConfirmable
	}

	req := coap.NewMessage(mtype, coap.GET)
	req.Remote = remoteAddr
	req.Opt.SetUriPath(splitPath(*pathFlag))
	token, err := coap.RandomToken(coap.MaxTokenLength)
	if err != nil {
		logger.Errorf("[coap-client] failed to generate token: %v", err)
		os.Exit(1)
	}
	req.Token = token

	done := make(chan struct{})
	err = ep.Request(req, func(outcome transaction.Outcome, _ *coap.Message, response *coap.Message) {
		defer close(done)
		switch outcome {
		case transaction.Success:
			fmt.Printf("%s %s\n%s\n", response.Code, formatContentFormat(response), response.Payload)
		case transaction.Reset:
			fmt.Println("server reset the request")
		case transaction.Timeout:
			fmt.Println("request timed out")
		case transaction.Cancelled:
			fmt.Println("request cancelled")
		}
	})
	if err != nil {
		logger.Errorf("[coap-client] request failed: %v", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(coap.RequestTimeout + time.Second):
		fmt.Println("no outcome delivered, giving up")
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func formatContentFormat(m *coap.Message) string {
	cf, ok := m.Opt.ContentFormat()
	if !ok {
		return ""
	}
	return fmt.Sprintf("(content-format %d)", cf)
}
