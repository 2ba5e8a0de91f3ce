// Package httpgateway speaks the quoting API over HTTP. Client implements
// synckit.QuoteGateway; Handler serves any synckit.QuoteGateway with the same wire
// format, which is how the mock-api command exposes the in-memory gateway.
//
// Wire contract:
//
//	GET {base}/records/{kind}       -> 200 {"records": [...]} | 501
//	GET {base}/records/{kind}/{id}  -> 200 record | 404
//	PUT {base}/records/{kind}/{id}  body {"base_version", "payload"}
//	                                -> 200 record | 409 {"error","current"} | 404 | 4xx | 429/5xx
//	GET {base}/health               -> 200 {"status":"ok"} | 503
package httpgateway

import (
	"time"

	"github.com/c0deZ3R0/quotesync/synckit"
)

// WireRecord is the JSON form of a record.
type WireRecord struct {
	ID        string          `json:"id"`
	Kind      synckit.Kind    `json:"kind"`
	Version   uint64          `json:"version"`
	Payload   synckit.Payload `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toWire(rec synckit.Record) WireRecord {
	return WireRecord{ID: rec.ID, Kind: rec.Kind, Version: rec.Version, Payload: rec.Payload, UpdatedAt: rec.UpdatedAt}
}

// Record converts the wire form into an authoritative record.
func (w WireRecord) Record() synckit.Record {
	p := w.Payload
	if p == nil {
		p = synckit.Payload{}
	}
	return synckit.Record{ID: w.ID, Kind: w.Kind, Version: w.Version, Payload: p, UpdatedAt: w.UpdatedAt, Origin: synckit.OriginRemote}
}

// SubmitRequest is the PUT body.
type SubmitRequest struct {
	BaseVersion uint64          `json:"base_version"`
	Payload     synckit.Payload `json:"payload"`
}

// ListResponse is the body of a kind listing.
type ListResponse struct {
	Records []WireRecord `json:"records"`
}

// HealthResponse is the body of a successful health check.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-200 response. Current is set on 409.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Current *WireRecord `json:"current,omitempty"`
}
