package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"guardian/observability/logging"
	"guardian/p2p/seeds"
)

type seedList []string

func (s *seedList) String() string { return strings.Join(*s, ",") }

func (s *seedList) Set(value string) error {
	value = strings.TrimSpace(value)
	if _, err := seeds.ParseRecord(seeds.RecordPrefix + value); err != nil {
		return err
	}
	*s = append(*s, value)
	return nil
}

// seedstub answers TXT lookups for a single seed domain so bootnodes can be
// pointed at it during local testing.
func main() {
	var addrs seedList
	domain := flag.String("domain", "", "Seed domain to answer for (e.g. seeds.guardian.local)")
	listenAddr := flag.String("listen", "127.0.0.1:8053", "Address to listen on (ip:port)")
	ttlSeconds := flag.Int("ttl", 60, "TXT record TTL in seconds")
	flag.Var(&addrs, "seed", "Bootnode host:port to publish (repeatable)")
	flag.Parse()

	logger := logging.Setup("seedstub", strings.TrimSpace(os.Getenv("GUARDIAN_ENV")), logging.Options{})

	fqdn := dns.Fqdn(strings.TrimSpace(*domain))
	if fqdn == "." {
		logger.Error("Seed domain is required")
		os.Exit(2)
	}
	if len(addrs) == 0 {
		logger.Error("At least one -seed is required")
		os.Exit(2)
	}
	records := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		records = append(records, seeds.RecordPrefix+addr)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Authoritative = true
		if len(r.Question) > 0 {
			question := r.Question[0]
			switch {
			case !strings.EqualFold(question.Name, fqdn):
				msg.Rcode = dns.RcodeNameError
			case question.Qtype == dns.TypeTXT:
				for _, record := range records {
					msg.Answer = append(msg.Answer, &dns.TXT{
						Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: uint32(*ttlSeconds)},
						Txt: []string{record},
					})
				}
			default:
				msg.Rcode = dns.RcodeNotImplemented
			}
		}
		if err := w.WriteMsg(msg); err != nil {
			logger.Warn("Failed to write DNS response", slog.Any("error", err))
		}
	})

	servers := []*dns.Server{
		{Addr: *listenAddr, Net: "udp", Handler: handler},
		{Addr: *listenAddr, Net: "tcp", Handler: handler},
	}
	errc := make(chan error, len(servers))
	for _, server := range servers {
		go func(server *dns.Server) {
			errc <- server.ListenAndServe()
		}(server)
	}
	logger.Info("Seed DNS stub listening",
		slog.String("listen", *listenAddr),
		slog.String("domain", fqdn),
		slog.Int("records", len(records)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("DNS server stopped", slog.Any("error", err))
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, server := range servers {
		_ = server.ShutdownContext(shutdownCtx)
	}
	logger.Info("Seed DNS stub shut down")
	os.Exit(exitCode)
}
