// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reporttypes contains the messages exchanged between clients, aggregators and collectors,
// and their binary encoding for each supported protocol version.
package reporttypes

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// Version is a protocol revision. Each revision differs in field presence and HTTP verbs.
type Version uint8

// Supported protocol versions.
const (
	VersionUnknown Version = iota
	Draft02
	Draft04
)

func (v Version) String() string {
	switch v {
	case Draft02:
		return "v02"
	case Draft04:
		return "v04"
	}
	return "unknown"
}

// ParseVersion parses the path prefix form of a version, e.g. "v02".
func ParseVersion(s string) (Version, error) {
	switch s {
	case "v02":
		return Draft02, nil
	case "v04":
		return Draft04, nil
	}
	return VersionUnknown, fmt.Errorf("unsupported protocol version %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	if v != Draft02 && v != Draft04 {
		return nil, fmt.Errorf("unsupported protocol version %d", v)
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Role is the part a party plays in a task.
type Role uint8

// Roles in the order of their wire values.
const (
	RoleCollector Role = iota
	RoleClient
	RoleLeader
	RoleHelper
)

func (r Role) String() string {
	switch r {
	case RoleCollector:
		return "collector"
	case RoleClient:
		return "client"
	case RoleLeader:
		return "leader"
	case RoleHelper:
		return "helper"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole parses the string form of an aggregator role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "leader":
		return RoleLeader, nil
	case "helper":
		return RoleHelper, nil
	}
	return 0, fmt.Errorf("unsupported aggregator role %q", s)
}

// MarshalText implements encoding.TextMarshaler for aggregator roles.
func (r Role) MarshalText() ([]byte, error) {
	if r != RoleLeader && r != RoleHelper {
		return nil, fmt.Errorf("unsupported aggregator role %s", r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// QueryType determines how reports are grouped into batches.
type QueryType uint8

// Query types with their wire values.
const (
	QueryTypeTimeInterval QueryType = 1
	QueryTypeFixedSize    QueryType = 2
)

func (q QueryType) String() string {
	switch q {
	case QueryTypeTimeInterval:
		return "time_interval"
	case QueryTypeFixedSize:
		return "fixed_size"
	}
	return fmt.Sprintf("query_type(%d)", uint8(q))
}

// MarshalText implements encoding.TextMarshaler.
func (q QueryType) MarshalText() ([]byte, error) {
	if q != QueryTypeTimeInterval && q != QueryTypeFixedSize {
		return nil, fmt.Errorf("unsupported query type %d", q)
	}
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *QueryType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "time_interval":
		*q = QueryTypeTimeInterval
	case "fixed_size":
		*q = QueryTypeFixedSize
	default:
		return fmt.Errorf("unsupported query type %q", b)
	}
	return nil
}

func decodeID(s string, out []byte) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(out) {
		return fmt.Errorf("expect %d bytes, got %d", len(out), len(b))
	}
	copy(out, b)
	return nil
}

// TaskID identifies a task.
type TaskID [32]byte

// ParseTaskID parses the URL-safe base64 form of a task ID.
func ParseTaskID(s string) (TaskID, error) {
	var id TaskID
	err := decodeID(s, id[:])
	return id, err
}

func (id TaskID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

// MarshalText implements encoding.TextMarshaler.
func (id TaskID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TaskID) UnmarshalText(b []byte) error { return decodeID(string(b), id[:]) }

// ReportID identifies a report within a task.
type ReportID [16]byte

func (id ReportID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

// Less orders report IDs bitwise.
func (id ReportID) Less(other ReportID) bool { return bytes.Compare(id[:], other[:]) < 0 }

// BatchID identifies a fixed-size batch.
type BatchID [32]byte

// ParseBatchID parses the URL-safe base64 form of a batch ID.
func ParseBatchID(s string) (BatchID, error) {
	var id BatchID
	err := decodeID(s, id[:])
	return id, err
}

func (id BatchID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

// MarshalText implements encoding.TextMarshaler.
func (id BatchID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *BatchID) UnmarshalText(b []byte) error { return decodeID(string(b), id[:]) }

// AggregationJobID identifies an aggregation job run by the Leader with the Helper.
type AggregationJobID [16]byte

func (id AggregationJobID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

// CollectionJobID identifies a collection job.
type CollectionJobID [32]byte

// ParseCollectionJobID parses the URL-safe base64 form of a collection job ID.
func ParseCollectionJobID(s string) (CollectionJobID, error) {
	var id CollectionJobID
	err := decodeID(s, id[:])
	return id, err
}

func (id CollectionJobID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

// Interval is a half-open time range [Start, Start+Duration) in seconds.
type Interval struct {
	Start    uint64
	Duration uint64
}

// End returns the first second after the interval.
func (i Interval) End() uint64 { return i.Start + i.Duration }

// ExtensionTypeTaskprov marks the report extension carrying a task configuration.
const ExtensionTypeTaskprov uint16 = 0xff00

// Extension is a report extension.
type Extension struct {
	Type uint16
	Data []byte
}

// ReportMetadata is the public part of a report.
type ReportMetadata struct {
	ID         ReportID
	Time       uint64
	Extensions []Extension
}

// TaskprovPayloads returns the payloads of all taskprov extensions.
func (md *ReportMetadata) TaskprovPayloads() [][]byte {
	var payloads [][]byte
	for _, e := range md.Extensions {
		if e.Type == ExtensionTypeTaskprov {
			payloads = append(payloads, e.Data)
		}
	}
	return payloads
}

// HpkeCiphertext is a ciphertext tagged with the ID of the receiver's HPKE config.
type HpkeCiphertext struct {
	ConfigID uint8
	Enc      []byte
	Payload  []byte
}

// HpkeConfig is the public key configuration of an HPKE receiver.
type HpkeConfig struct {
	ID        uint8
	KemID     uint16
	KdfID     uint16
	AeadID    uint16
	PublicKey []byte
}

// MarshalText implements encoding.TextMarshaler using the URL-safe base64 of the wire encoding.
func (c HpkeConfig) MarshalText() ([]byte, error) {
	b, err := EncodeHpkeConfig(&c)
	if err != nil {
		return nil, err
	}
	return []byte(base64.RawURLEncoding.EncodeToString(b)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *HpkeConfig) UnmarshalText(text []byte) error {
	b, err := base64.RawURLEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	decoded, err := DecodeHpkeConfig(b)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

// Report is a client measurement split into one encrypted input share per aggregator.
type Report struct {
	// TaskID is only encoded in Draft02 reports; later versions carry it in the request path.
	TaskID               TaskID
	Metadata             ReportMetadata
	PublicShare          []byte
	EncryptedInputShares []HpkeCiphertext
}

// Query selects the batch a collector asks for.
type Query struct {
	Type QueryType
	// BatchInterval is set for time-interval queries.
	BatchInterval Interval
	// BatchID is set for fixed-size queries unless CurrentBatch is true.
	BatchID      BatchID
	CurrentBatch bool
}

// CollectionReq asks the Leader for the aggregate of a batch.
type CollectionReq struct {
	// TaskID is only encoded in Draft02 requests.
	TaskID   TaskID
	Query    Query
	AggParam []byte
}

// PartialBatchSelector identifies the batch a set of reports is aggregated into.
type PartialBatchSelector struct {
	Type    QueryType
	BatchID BatchID
}

// BatchSelector identifies a batch being collected.
type BatchSelector struct {
	Type          QueryType
	BatchInterval Interval
	BatchID       BatchID
}

// Collection is the result served to the collector.
type Collection struct {
	PartBatchSelector PartialBatchSelector
	ReportCount       uint64
	// Interval is only encoded in Draft04 collections.
	Interval           Interval
	EncryptedAggShares []HpkeCiphertext
}

// ReportShare is the part of a report the Leader forwards to the Helper.
type ReportShare struct {
	Metadata            ReportMetadata
	PublicShare         []byte
	EncryptedInputShare HpkeCiphertext
}

// AggregateReq asks the Helper to aggregate its input shares of a set of reports.
type AggregateReq struct {
	JobID             AggregationJobID
	PartBatchSelector PartialBatchSelector
	ReportShares      []ReportShare
}

// TransitionStatus tells whether the Helper aggregated a report.
type TransitionStatus uint8

// Transition statuses.
const (
	TransitionFinished TransitionStatus = 0
	TransitionFailed   TransitionStatus = 1
)

// Transition is the Helper's verdict on one report.
type Transition struct {
	ReportID ReportID
	Status   TransitionStatus
}

// AggregateResp lists the Helper's verdict for each report of an AggregateReq.
type AggregateResp struct {
	Transitions []Transition
}

// AggregateShareReq asks the Helper for its encrypted aggregate share of a batch.
type AggregateShareReq struct {
	BatchSelector   BatchSelector
	CollectionJobID CollectionJobID
	ReportCount     uint64
}

// AggregateShareResp carries the Helper's aggregate share encrypted to the collector.
type AggregateShareResp struct {
	EncryptedAggShare HpkeCiphertext
}
