package probe

import (
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSPayload(t *testing.T) {
	req, err := buildDNSQuery()
	require.NoError(t, err)

	var q dns.Msg
	require.NoError(t, q.Unpack(req))
	require.Len(t, q.Question, 1)
	assert.Equal(t, "version.bind.", q.Question[0].Name)
	assert.Equal(t, dns.ClassCHAOS, q.Question[0].Qclass)

	reply := new(dns.Msg).SetReply(&q)
	reply.Answer = append(reply.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: "version.bind.", Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS},
		Txt: []string{"9.18.24"},
	})
	resp, err := reply.Pack()
	require.NoError(t, err)

	version, ok := matchDNS(req, resp)
	assert.True(t, ok)
	assert.Equal(t, "9.18.24", version)

	refused := new(dns.Msg).SetRcode(&q, dns.RcodeRefused)
	resp, err = refused.Pack()
	require.NoError(t, err)
	version, ok = matchDNS(req, resp)
	assert.True(t, ok, "a refusal still identifies a DNS server")
	assert.Empty(t, version)

	_, ok = matchDNS(req, []byte("garbage"))
	assert.False(t, ok)
}

func TestNTPPayload(t *testing.T) {
	req, err := buildNTPRequest()
	require.NoError(t, err)
	require.Len(t, req, 48)

	resp := make([]byte, 48)
	resp[0] = 0x24 // version 4, server mode
	copy(resp[24:32], req[40:48])

	version, ok := matchNTP(req, resp)
	assert.True(t, ok)
	assert.Equal(t, "v4", version)

	resp[24] ^= 0xff
	_, ok = matchNTP(req, resp)
	assert.False(t, ok, "originate timestamp must echo the request")

	_, ok = matchNTP(req, resp[:10])
	assert.False(t, ok)
}

func TestSNMPPayload(t *testing.T) {
	req, err := buildSNMPGet()
	require.NoError(t, err)
	require.NotEmpty(t, req)

	respPkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		PDUType:   gosnmp.GetResponse,
		RequestID: 42,
		Variables: []gosnmp.SnmpPDU{{
			Name:  sysDescrOID,
			Type:  gosnmp.OctetString,
			Value: "Linux edge-router 5.15.0\r\nbuilt by ops",
		}},
	}
	resp, err := respPkt.MarshalMsg()
	require.NoError(t, err)

	version, ok := matchSNMP(req, resp)
	assert.True(t, ok)
	assert.Equal(t, "Linux edge-router 5.15.0", version)

	_, ok = matchSNMP(req, req)
	assert.False(t, ok, "a GetRequest is not a response")
}

func TestPayloadFor(t *testing.T) {
	assert.Equal(t, "dns", payloadFor(53).service)
	assert.Equal(t, "snmp", payloadFor(161).service)
	assert.Equal(t, "ntp", payloadFor(123).service)
	assert.Nil(t, payloadFor(9999))
}
