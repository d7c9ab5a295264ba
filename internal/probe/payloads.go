package probe

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
)

const sysDescrOID = ".1.3.6.1.2.1.1.1.0"

// udpPayload is a request that elicits a reply from a UDP service, and a
// matcher that recognises that reply.
type udpPayload struct {
	service    string
	confidence float64
	build      func() ([]byte, error)
	// match returns the version string, if any, and whether resp answers req.
	match func(req, resp []byte) (string, bool)
}

var udpPayloads = map[uint16]*udpPayload{
	53:  {service: "dns", confidence: 0.9, build: buildDNSQuery, match: matchDNS},
	123: {service: "ntp", confidence: 0.9, build: buildNTPRequest, match: matchNTP},
	161: {service: "snmp", confidence: 0.9, build: buildSNMPGet, match: matchSNMP},
}

func payloadFor(port uint16) *udpPayload {
	return udpPayloads[port]
}

// buildDNSQuery asks for version.bind in the CHAOS class, which most
// resolvers answer (or refuse) without recursion.
func buildDNSQuery() ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS
	m.RecursionDesired = false
	return m.Pack()
}

func matchDNS(req, resp []byte) (string, bool) {
	var q, r dns.Msg
	if err := q.Unpack(req); err != nil {
		return "", false
	}
	if err := r.Unpack(resp); err != nil || !r.Response || r.Id != q.Id {
		return "", false
	}
	for _, rr := range r.Answer {
		if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
			return strings.Join(txt.Txt, " "), true
		}
	}
	return "", true
}

func buildNTPRequest() ([]byte, error) {
	req := make([]byte, 48)
	req[0] = 0x1b // LI 0, version 3, mode 3 (client)
	binary.BigEndian.PutUint32(req[40:], rand.Uint32())
	return req, nil
}

func matchNTP(req, resp []byte) (string, bool) {
	if len(resp) < 48 || resp[0]&0x07 != 4 {
		return "", false
	}
	// server echoes our transmit timestamp as its originate timestamp
	if string(resp[24:32]) != string(req[40:48]) {
		return "", false
	}
	return fmt.Sprintf("v%d", (resp[0]>>3)&0x07), true
}

func buildSNMPGet() ([]byte, error) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		PDUType:   gosnmp.GetRequest,
		RequestID: rand.Uint32() & 0x7fffffff,
		Variables: []gosnmp.SnmpPDU{{Name: sysDescrOID, Type: gosnmp.Null}},
	}
	return pkt.MarshalMsg()
}

func matchSNMP(_, resp []byte) (string, bool) {
	decoder := &gosnmp.GoSNMP{Version: gosnmp.Version2c, Community: "public"}
	pkt, err := decoder.SnmpDecodePacket(resp)
	if err != nil || pkt.PDUType != gosnmp.GetResponse {
		return "", false
	}
	for _, v := range pkt.Variables {
		if v.Type == gosnmp.OctetString {
			if b, ok := v.Value.([]byte); ok {
				return firstLine(string(b)), true
			}
		}
	}
	return "", true
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
