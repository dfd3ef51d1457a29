package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamweave/outbound/config"
	"github.com/streamweave/outbound/lib"
)

// Demo client: opens one outbound per the configuration, sends a
// message and prints everything that comes back until the stream ends.
func main() {
	configPath := flag.String("config", "config.yaml", "Configuration file")
	host := flag.String("host", "127.0.0.1", "Target host")
	port := flag.Int("port", 8901, "Target port")
	message := flag.String("message", "hello", "Payload to send")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	if err := config.AppConfig.Apply(); err != nil {
		log.Fatalln(err)
	}

	if addr := config.AppConfig.MetricsAddr; addr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Println("Metrics on", addr)
			log.Println(http.ListenAndServe(addr, nil))
		}()
	}

	opts, err := config.AppConfig.Outbound.Options()
	if err != nil {
		log.Fatalln(err)
	}

	done := make(chan struct{})
	sink := lib.InputFunc(func(evt lib.Event) {
		switch evt := evt.(type) {
		case *lib.Data:
			log.Printf("<- %q", evt.Bytes())
		case *lib.StreamEnd:
			log.Println("<- stream end:", evt.Err)
			close(done)
		}
	})

	var out lib.Outbound
	if opts.Protocol == lib.UDP {
		out = lib.NewOutboundUDP(sink, opts)
	} else {
		out = lib.NewOutboundTCP(sink, opts)
	}

	out.Connect(*host, uint16(*port))

	if opts.Protocol == lib.UDP {
		out.Send(&lib.MessageStart{})
		out.Send(lib.NewData([]byte(*message)))
		out.Send(&lib.MessageEnd{})
	} else {
		out.Send(lib.NewData([]byte(*message)))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
	case <-sigChan:
		out.Close()
		log.Println("Closed by user; final state:", out.State())
	}
}
