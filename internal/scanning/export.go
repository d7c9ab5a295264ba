package scanning

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/anstrom/portgate/internal/osfp"
	"github.com/anstrom/portgate/internal/probe"
)

// resultXML is the root element of a saved scan.
type resultXML struct {
	XMLName    xml.Name  `xml:"scanresult"`
	ScanID     string    `xml:"id,attr"`
	ScanType   string    `xml:"type,attr"`
	StartTime  string    `xml:"start_time,attr"`
	EndTime    string    `xml:"end_time,attr"`
	Duration   string    `xml:"duration,attr"`
	Cached     bool      `xml:"cached,attr,omitempty"`
	Incomplete bool      `xml:"incomplete,attr,omitempty"`
	Host       hostXML   `xml:"host"`
	Warning    string    `xml:"warning,omitempty"`
	OS         *osXML    `xml:"os,omitempty"`
	Ports      []portXML `xml:"ports>port"`
}

type hostXML struct {
	Target  string `xml:"target,attr"`
	Address string `xml:"address,attr,omitempty"`
}

type osXML struct {
	Family     string  `xml:"family,attr"`
	Confidence float64 `xml:"confidence,attr"`
	InitialTTL uint8   `xml:"initial_ttl,attr,omitempty"`
}

type portXML struct {
	Number     uint16  `xml:"number,attr"`
	Protocol   string  `xml:"protocol,attr"`
	State      string  `xml:"state,attr"`
	Reason     string  `xml:"reason,attr,omitempty"`
	Service    string  `xml:"service,omitempty"`
	Version    string  `xml:"version,omitempty"`
	Confidence float64 `xml:"confidence,omitempty"`
	Banner     string  `xml:"banner,omitempty"`
}

// SaveResults writes result to path as indented XML.
func SaveResults(result *Result, path string) error {
	if result == nil {
		return fmt.Errorf("cannot save nil result")
	}

	doc := resultXML{
		ScanID:     result.ScanID,
		ScanType:   result.ScanType,
		StartTime:  result.StartTime.Format(time.RFC3339Nano),
		EndTime:    result.EndTime.Format(time.RFC3339Nano),
		Duration:   result.Duration.String(),
		Cached:     result.Cached,
		Incomplete: result.Incomplete,
		Host:       hostXML{Target: result.Target, Address: result.Address},
		Warning:    result.Warning,
		Ports:      make([]portXML, len(result.Ports)),
	}
	if result.OS != nil {
		doc.OS = &osXML{
			Family:     string(result.OS.Family),
			Confidence: result.OS.Confidence,
			InitialTTL: result.OS.InitialTTL,
		}
	}
	for i, p := range result.Ports {
		doc.Ports[i] = portXML{
			Number:     p.Port,
			Protocol:   string(p.Protocol),
			State:      string(p.State),
			Reason:     p.Reason,
			Service:    p.Service,
			Version:    p.Version,
			Confidence: p.Confidence,
			Banner:     p.Banner,
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.WriteString(xml.Header); err != nil {
		return fmt.Errorf("write XML header: %w", err)
	}
	encoder := xml.NewEncoder(file)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode XML: %w", err)
	}
	return file.Close()
}

// LoadResults reads a result written by SaveResults. Per-port TTL and
// window samples are not part of the format.
func LoadResults(path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var doc resultXML
	if err := xml.NewDecoder(file).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode XML: %w", err)
	}

	res := &Result{
		ScanID:     doc.ScanID,
		Target:     doc.Host.Target,
		Address:    doc.Host.Address,
		ScanType:   doc.ScanType,
		Cached:     doc.Cached,
		Incomplete: doc.Incomplete,
		Warning:    doc.Warning,
		Ports:      make([]probe.PortResult, len(doc.Ports)),
	}
	if res.StartTime, err = time.Parse(time.RFC3339Nano, doc.StartTime); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if res.EndTime, err = time.Parse(time.RFC3339Nano, doc.EndTime); err != nil {
		return nil, fmt.Errorf("parse end_time: %w", err)
	}
	if res.Duration, err = time.ParseDuration(doc.Duration); err != nil {
		return nil, fmt.Errorf("parse duration: %w", err)
	}
	if doc.OS != nil {
		res.OS = &osfp.Guess{
			Family:     osfp.Family(doc.OS.Family),
			Confidence: doc.OS.Confidence,
			InitialTTL: doc.OS.InitialTTL,
		}
	}
	for i, p := range doc.Ports {
		res.Ports[i] = probe.PortResult{
			Port:       p.Number,
			Protocol:   probe.Protocol(p.Protocol),
			State:      probe.State(p.State),
			Reason:     p.Reason,
			Service:    p.Service,
			Version:    p.Version,
			Confidence: p.Confidence,
			Banner:     p.Banner,
		}
	}
	return res, nil
}
