package testutil

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// NormalizeName lowercases and ensures a trailing dot for DNS names.
func NormalizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	if strings.HasSuffix(lower, ".") {
		return lower
	}
	return lower + "."
}

// ARecord creates an A record with a standard TTL.
func ARecord(name string, ip string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   NormalizeName(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		A: net.ParseIP(ip),
	}
}

// AAAARecord creates an AAAA record with a standard TTL.
func AAAARecord(name string, ip string) dns.RR {
	return &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   NormalizeName(name),
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		AAAA: net.ParseIP(ip),
	}
}

// CNAMERecord creates a CNAME record with a standard TTL.
func CNAMERecord(name string, target string) dns.RR {
	return &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   NormalizeName(name),
			Rrtype: dns.TypeCNAME,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		Target: NormalizeName(target),
	}
}
