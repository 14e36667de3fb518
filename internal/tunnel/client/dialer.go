package client

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// fastDialContext resolves every IP for host and races parallel TCP
// connections against each, returning the first to succeed. Used as the
// websocket dialer's NetDialContext so reconnecting to a relay with
// multiple DNS-resolved addresses doesn't wait out a single
// slow/unreachable one before trying the rest.
func fastDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, network, addr)
	}
	if _, perr := netip.ParseAddr(host); perr == nil {
		return (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, network, addr)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	addrs, rerr := net.DefaultResolver.LookupIP(resolveCtx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		return (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, network, addr)
	}

	raceCtx, raceCancel := context.WithCancel(ctx)
	defer raceCancel()

	// Only the first winner lands in resCh; losers close themselves.
	resCh := make(chan net.Conn, 1)
	errCh := make(chan error, len(addrs))
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-raceCtx.Done():
					errCh <- raceCtx.Err()
					return
				}
			}
			d := &net.Dialer{Timeout: 3 * time.Second}
			c, e := d.DialContext(raceCtx, network, net.JoinHostPort(ip.String(), port))
			if e != nil {
				errCh <- e
				return
			}
			select {
			case resCh <- c:
				raceCancel()
			default:
				c.Close()
			}
		}(i, ip)
	}

	var lastErr error
	for range addrs {
		select {
		case conn := <-resCh:
			return conn, nil
		case e := <-errCh:
			lastErr = e
		}
	}
	return nil, lastErr
}
