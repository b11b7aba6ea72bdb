// Package preflight checks that the measurement server answers ICMP echo
// before a run starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var ErrUnreachable = errors.New("no echo replies")

// Report summarizes one echo check.
type Report struct {
	IP       net.IP
	Sent     int
	Received int
	MinRTT   time.Duration
	AvgRTT   time.Duration
	MaxRTT   time.Duration
}

func (r Report) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

// Resolve returns the first address of host, preferring IPv4.
func Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

// Echo sends count echo requests to host, each waiting up to timeout for its
// reply. It needs a raw ICMP socket, which usually means elevated privileges.
func Echo(ctx context.Context, host string, count int, timeout time.Duration) (Report, error) {
	if count <= 0 {
		count = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	ip, err := Resolve(ctx, host)
	if err != nil {
		return Report{}, err
	}

	network := "ip4:icmp"
	proto := 1
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	echoReplyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	if ip.To4() == nil {
		network = "ip6:ipv6-icmp"
		proto = 58
		echoType = icmp.Type(ipv6.ICMPTypeEchoRequest)
		echoReplyType = icmp.Type(ipv6.ICMPTypeEchoReply)
	}

	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return Report{}, fmt.Errorf("icmp socket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	id := rand.Intn(0xffff)
	rtts := make([]time.Duration, 0, count)
	sent := 0
	for seq := 1; seq <= count; seq++ {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		sent++
		if rtt, ok := sendPing(conn, ip, id, uint16(seq), echoType, echoReplyType, proto, timeout); ok {
			rtts = append(rtts, rtt)
		}
	}
	if ctx.Err() != nil {
		return Report{}, ctx.Err()
	}
	report := summarize(ip, sent, rtts)
	if report.Received == 0 {
		return report, fmt.Errorf("%s: %w", ip, ErrUnreachable)
	}
	return report, nil
}

func summarize(ip net.IP, sent int, rtts []time.Duration) Report {
	r := Report{IP: ip, Sent: sent, Received: len(rtts)}
	if len(rtts) == 0 {
		return r
	}
	var total time.Duration
	r.MinRTT = rtts[0]
	for _, rtt := range rtts {
		total += rtt
		if rtt < r.MinRTT {
			r.MinRTT = rtt
		}
		if rtt > r.MaxRTT {
			r.MaxRTT = rtt
		}
	}
	r.AvgRTT = total / time.Duration(len(rtts))
	return r
}

func sendPing(conn *icmp.PacketConn, ip net.IP, id int, seq uint16, echoType, replyType icmp.Type, proto int, timeout time.Duration) (time.Duration, bool) {
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  int(seq),
			Data: []byte("rmbt"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, false
	}
	dst := &net.IPAddr{IP: ip}
	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, false
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, false
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		ipAddr, ok := peer.(*net.IPAddr)
		if ok && ipAddr.IP != nil && !ipAddr.IP.Equal(ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		if parsed.Type != replyType {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		if echo.ID == id && echo.Seq == int(seq) {
			return time.Since(start), true
		}
	}
}
