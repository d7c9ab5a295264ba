package service

import (
	"bytes"
	"encoding/binary"
	"slices"
	"strings"
)

// probe is one request/response exchange. A nil payload means the probe only
// listens for the greeting the server sends on connect.
type probe struct {
	name    string
	ports   []uint16
	payload func(host string) []byte
	// match applies the protocol-specific signature for this probe's
	// response. Generic signatures are applied to every response.
	match func(resp []byte) (Match, bool)
}

var probes = []probe{
	{
		name:  "banner",
		ports: []uint16{21, 22, 25, 110, 143, 465, 587, 2222, 3306},
	},
	{
		name:  "http-get",
		ports: []uint16{80, 443, 3000, 5000, 8000, 8008, 8080, 8443, 8888, 9200},
		payload: func(host string) []byte {
			return []byte("GET / HTTP/1.0\r\nHost: " + host + "\r\nUser-Agent: portgate\r\nAccept: */*\r\n\r\n")
		},
	},
	{
		name:  "http-options",
		ports: []uint16{80, 8080},
		payload: func(host string) []byte {
			return []byte("OPTIONS / HTTP/1.0\r\nHost: " + host + "\r\n\r\n")
		},
	},
	{
		name:    "redis",
		ports:   []uint16{6379},
		payload: func(string) []byte { return []byte("*1\r\n$4\r\nPING\r\n") },
		match:   matchRedis,
	},
	{
		name:  "postgresql",
		ports: []uint16{5432},
		// SSLRequest: length 8, code 80877103
		payload: func(string) []byte { return []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f} },
		match:   matchPostgres,
	},
	{
		name:    "mongodb",
		ports:   []uint16{27017},
		payload: func(string) []byte { return mongoIsMaster },
		match:   matchMongo,
	},
}

// orderProbes puts the probes registered for port first, keeping table
// order otherwise.
func orderProbes(port uint16) []probe {
	ordered := make([]probe, 0, len(probes))
	for _, p := range probes {
		if slices.Contains(p.ports, port) {
			ordered = append(ordered, p)
		}
	}
	for _, p := range probes {
		if !slices.Contains(p.ports, port) {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// signatures recognise a protocol from any response, whichever probe
// elicited it.
var signatures = []func(resp []byte) (Match, bool){
	matchSSH,
	matchHTTP,
	matchFTP,
	matchSMTP,
	matchMySQL,
}

func matchSSH(resp []byte) (Match, bool) {
	if !bytes.HasPrefix(resp, []byte("SSH-")) {
		return Match{}, false
	}
	m := Match{Service: "ssh", Confidence: 0.95}
	// SSH-protoversion-softwareversion SP comments
	parts := strings.SplitN(firstLine(resp), "-", 3)
	if len(parts) == 3 {
		m.Version, _, _ = strings.Cut(parts[2], " ")
	}
	return m, true
}

func matchHTTP(resp []byte) (Match, bool) {
	if !bytes.Contains(resp, []byte("HTTP/")) {
		return Match{}, false
	}
	m := Match{Service: "http", Confidence: 0.9}
	for _, line := range strings.Split(string(resp), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "server") {
			m.Version = strings.TrimSpace(value)
			break
		}
	}
	return m, true
}

func greeting(resp []byte) (string, bool) {
	line := firstLine(resp)
	if !strings.HasPrefix(line, "220") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimLeft(line[3:], "- ")), true
}

func matchFTP(resp []byte) (Match, bool) {
	text, ok := greeting(resp)
	if !ok || !strings.Contains(strings.ToUpper(text), "FTP") {
		return Match{}, false
	}
	return Match{Service: "ftp", Confidence: 0.85, Version: strings.Trim(text, "()")}, true
}

func matchSMTP(resp []byte) (Match, bool) {
	text, ok := greeting(resp)
	if !ok || !strings.Contains(strings.ToUpper(text), "SMTP") {
		return Match{}, false
	}
	return Match{Service: "smtp", Confidence: 0.85, Version: text}, true
}

// matchMySQL recognises the protocol-10 initial handshake packet.
func matchMySQL(resp []byte) (Match, bool) {
	if len(resp) < 6 || resp[4] != 0x0a {
		return Match{}, false
	}
	length := int(resp[0]) | int(resp[1])<<8 | int(resp[2])<<16
	if length < 2 || resp[3] != 0 {
		return Match{}, false
	}
	m := Match{Service: "mysql", Confidence: 0.9}
	if end := bytes.IndexByte(resp[5:], 0); end > 0 {
		m.Version = string(resp[5 : 5+end])
	}
	return m, true
}

func matchRedis(resp []byte) (Match, bool) {
	if bytes.HasPrefix(resp, []byte("+PONG")) || bytes.HasPrefix(resp, []byte("-NOAUTH")) {
		return Match{Service: "redis", Confidence: 0.9}, true
	}
	return Match{}, false
}

func matchPostgres(resp []byte) (Match, bool) {
	if len(resp) == 1 && (resp[0] == 'S' || resp[0] == 'N') {
		return Match{Service: "postgresql", Confidence: 0.8}, true
	}
	return Match{}, false
}

const (
	opReply = 1
	opMsg   = 2013
)

func matchMongo(resp []byte) (Match, bool) {
	if len(resp) < 16 {
		return Match{}, false
	}
	op := binary.LittleEndian.Uint32(resp[12:16])
	if op != opReply && op != opMsg {
		return Match{}, false
	}
	return Match{Service: "mongodb", Confidence: 0.85}, true
}

// mongoIsMaster is an OP_QUERY of {isMaster: 1} against admin.$cmd.
var mongoIsMaster = func() []byte {
	var elem []byte
	elem = append(elem, 0x10) // int32
	elem = append(elem, "isMaster\x00"...)
	elem = binary.LittleEndian.AppendUint32(elem, 1)

	doc := binary.LittleEndian.AppendUint32(nil, uint32(4+len(elem)+1))
	doc = append(doc, elem...)
	doc = append(doc, 0)

	var body []byte
	body = binary.LittleEndian.AppendUint32(body, 0) // flags
	body = append(body, "admin.$cmd\x00"...)
	body = binary.LittleEndian.AppendUint32(body, 0)          // numberToSkip
	body = binary.LittleEndian.AppendUint32(body, 0xffffffff) // numberToReturn -1
	body = append(body, doc...)

	var msg []byte
	msg = binary.LittleEndian.AppendUint32(msg, uint32(16+len(body)))
	msg = binary.LittleEndian.AppendUint32(msg, 1)    // requestID
	msg = binary.LittleEndian.AppendUint32(msg, 0)    // responseTo
	msg = binary.LittleEndian.AppendUint32(msg, 2004) // OP_QUERY
	return append(msg, body...)
}()

func firstLine(resp []byte) string {
	s := string(resp)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
