package p2p

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxRequestBytes bounds a single discovery request line.
const maxRequestBytes = 4 << 10

// DiscoveryRequest is the single record a joining node sends to a bootnode.
type DiscoveryRequest struct {
	Port     int    `json:"port"`
	ChainID  string `json:"chain_id"`
	NodeType string `json:"node_type"`
	Version  string `json:"version"`
}

// PeerSummary is the public view of a registered peer.
type PeerSummary struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	NodeType string `json:"node_type"`
}

// DiscoveryResponse is returned to a requester that passed validation and rate
// limiting.
type DiscoveryResponse struct {
	BootnodeID string        `json:"bootnode_id"`
	Peers      []PeerSummary `json:"peers"`
	Timestamp  float64       `json:"timestamp"`
	ChainID    string        `json:"chain_id"`
}

// wireRequest mirrors DiscoveryRequest with optional fields so that absent keys
// are distinguishable from zero values.
type wireRequest struct {
	Port     *int    `json:"port"`
	ChainID  *string `json:"chain_id"`
	NodeType *string `json:"node_type"`
	Version  *string `json:"version"`
}

// ParseRequest decodes and validates a single request line. Every failure is
// reported as ErrMalformedRequest so callers can treat them uniformly.
func ParseRequest(line []byte) (DiscoveryRequest, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return DiscoveryRequest{}, fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}
	if len(trimmed) > maxRequestBytes {
		return DiscoveryRequest{}, fmt.Errorf("%w: request exceeds %d bytes", ErrMalformedRequest, maxRequestBytes)
	}
	var wire wireRequest
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return DiscoveryRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if wire.Port == nil || wire.ChainID == nil || wire.NodeType == nil || wire.Version == nil {
		return DiscoveryRequest{}, fmt.Errorf("%w: missing field", ErrMalformedRequest)
	}
	req := DiscoveryRequest{
		Port:     *wire.Port,
		ChainID:  strings.TrimSpace(*wire.ChainID),
		NodeType: strings.TrimSpace(*wire.NodeType),
		Version:  strings.TrimSpace(*wire.Version),
	}
	if err := req.Validate(); err != nil {
		return DiscoveryRequest{}, err
	}
	return req, nil
}

// Validate checks field ranges.
func (r DiscoveryRequest) Validate() error {
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrMalformedRequest, r.Port)
	}
	if r.ChainID == "" {
		return fmt.Errorf("%w: empty chain_id", ErrMalformedRequest)
	}
	if r.NodeType == "" {
		return fmt.Errorf("%w: empty node_type", ErrMalformedRequest)
	}
	if r.Version == "" {
		return fmt.Errorf("%w: empty version", ErrMalformedRequest)
	}
	return nil
}

// EncodeRequest renders a request as a newline-terminated record.
func EncodeRequest(req DiscoveryRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeResponse renders a response as a newline-terminated record. A nil peer
// list is emitted as an empty array.
func EncodeResponse(resp DiscoveryResponse) ([]byte, error) {
	if resp.Peers == nil {
		resp.Peers = []PeerSummary{}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ParseResponse decodes a response line received from a bootnode.
func ParseResponse(line []byte) (DiscoveryResponse, error) {
	var resp DiscoveryResponse
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return DiscoveryResponse{}, fmt.Errorf("decode discovery response: %w", err)
	}
	if strings.TrimSpace(resp.BootnodeID) == "" {
		return DiscoveryResponse{}, fmt.Errorf("decode discovery response: missing bootnode_id")
	}
	return resp, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
