package main

import (
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
)

// Echo peer for exercising outbounds by hand: every TCP byte and every
// UDP datagram comes straight back.
func main() {
	tcpAddr := flag.String("tcp", "127.0.0.1:8901", "TCP listen address")
	udpAddr := flag.String("udp", "127.0.0.1:8902", "UDP listen address")
	flag.Parse()

	ln, err := net.Listen("tcp", *tcpAddr)
	if err != nil {
		log.Fatalln("Error listening on TCP:", err)
	}
	defer ln.Close()
	log.Println("TCP echo listening on", ln.Addr())

	pc, err := net.ListenPacket("udp", *udpAddr)
	if err != nil {
		log.Fatalln("Error listening on UDP:", err)
	}
	defer pc.Close()
	log.Println("UDP echo listening on", pc.LocalAddr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Echo server shutting down")
}
