package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/junbin-yang/coap-go/pkg/coap"
	"github.com/junbin-yang/coap-go/pkg/endpoint"
	"github.com/junbin-yang/coap-go/pkg/transport/udp"
	"github.com/junbin-yang/coap-go/pkg/utils/config"
	"github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// helloHandler answers every GET on /hello with a plain-text greeting
// and rejects everything else (the endpoint resets a rejected confirmable
// request and sends nothing for a non-confirmable one), demonstrating the
// synchronous response path most resources use.
func helloHandler(request *coap.Message) (*coap.Message, error) {
	path := request.Opt.UriPath()
	if request.Code != coap.GET || len(path) != 1 || path[0] != "hello" {
		return nil, coap.ErrInvalidArgument
	}

	resp := coap.NewMessage(coap.Acknowledgement, coap.Content)
	resp.Opt.SetContentFormat(coap.TextPlain)
	resp.Payload = []byte("hello from coap-go")
	return resp, nil
}

func main() {
	conf := config.Parse()

	addr, err := net.ResolveUDPAddr("udp", conf.BindAddress)
	if err != nil {
		logger.Errorf("[coap-server] bad bind address %q: %v", conf.BindAddress, err)
		os.Exit(1)
	}

	transport := udp.New(addr, logger.Default())
	ep, err := endpoint.New(transport, coap.RequestHandlerFunc(helloHandler))
	if err != nil {
		logger.Errorf("[coap-server] failed to start: %v", err)
		os.Exit(1)
	}
	logger.Infof("[coap-server] listening on %v", ep.LocalAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("[coap-server] shutting down")
	if err := ep.Close(); err != nil {
		logger.Warnf("[coap-server] shutdown error: %v", err)
	}
}
