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

package reporttypes

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ErrMalformed is wrapped by all decoding errors.
var ErrMalformed = errors.New("malformed message")

func malformed(what string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, what)
}

func checkVersion(v Version) error {
	if v != Draft02 && v != Draft04 {
		return fmt.Errorf("unsupported protocol version %d", v)
	}
	return nil
}

func readFixed(s *cryptobyte.String, out []byte) bool {
	var b []byte
	if !s.ReadBytes(&b, len(out)) {
		return false
	}
	copy(out, b)
	return true
}

func readOpaque16(s *cryptobyte.String, out *[]byte) bool {
	var child cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&child) {
		return false
	}
	*out = append([]byte{}, child...)
	return true
}

// readUint32LengthPrefixed reads a 32-bit length followed by that many bytes into out.
func readUint32LengthPrefixed(s *cryptobyte.String, out *cryptobyte.String) bool {
	var n uint32
	var b []byte
	if !s.ReadUint32(&n) || uint64(n) > uint64(len(*s)) || !s.ReadBytes(&b, int(n)) {
		return false
	}
	*out = b
	return true
}

func readOpaque32(s *cryptobyte.String, out *[]byte) bool {
	var child cryptobyte.String
	if !readUint32LengthPrefixed(s, &child) {
		return false
	}
	*out = append([]byte{}, child...)
	return true
}

func addOpaque16(b *cryptobyte.Builder, data []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(data) })
}

func addOpaque32(b *cryptobyte.Builder, data []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(data) })
}

func addInterval(b *cryptobyte.Builder, i Interval) {
	b.AddUint64(i.Start)
	b.AddUint64(i.Duration)
}

func readInterval(s *cryptobyte.String, i *Interval) bool {
	return s.ReadUint64(&i.Start) && s.ReadUint64(&i.Duration)
}

func addMetadata(b *cryptobyte.Builder, md *ReportMetadata) {
	b.AddBytes(md.ID[:])
	b.AddUint64(md.Time)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, e := range md.Extensions {
			b.AddUint16(e.Type)
			addOpaque16(b, e.Data)
		}
	})
}

func readMetadata(s *cryptobyte.String, md *ReportMetadata) bool {
	var exts cryptobyte.String
	if !readFixed(s, md.ID[:]) || !s.ReadUint64(&md.Time) || !s.ReadUint16LengthPrefixed(&exts) {
		return false
	}
	md.Extensions = nil
	for !exts.Empty() {
		var e Extension
		if !exts.ReadUint16(&e.Type) || !readOpaque16(&exts, &e.Data) {
			return false
		}
		md.Extensions = append(md.Extensions, e)
	}
	return true
}

func addCiphertext(b *cryptobyte.Builder, ct *HpkeCiphertext) {
	b.AddUint8(ct.ConfigID)
	addOpaque16(b, ct.Enc)
	addOpaque32(b, ct.Payload)
}

func readCiphertext(s *cryptobyte.String, ct *HpkeCiphertext) bool {
	return s.ReadUint8(&ct.ConfigID) && readOpaque16(s, &ct.Enc) && readOpaque32(s, &ct.Payload)
}

func addCiphertexts(b *cryptobyte.Builder, cts []HpkeCiphertext) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range cts {
			addCiphertext(b, &cts[i])
		}
	})
}

func readCiphertexts(s *cryptobyte.String, out *[]HpkeCiphertext) bool {
	var list cryptobyte.String
	if !readUint32LengthPrefixed(s, &list) {
		return false
	}
	*out = nil
	for !list.Empty() {
		var ct HpkeCiphertext
		if !readCiphertext(&list, &ct) {
			return false
		}
		*out = append(*out, ct)
	}
	return true
}

func addQueryType(b *cryptobyte.Builder, t QueryType) {
	if err := checkQueryType(t); err != nil {
		b.SetError(err)
		return
	}
	b.AddUint8(uint8(t))
}

func checkQueryType(t QueryType) error {
	if t != QueryTypeTimeInterval && t != QueryTypeFixedSize {
		return fmt.Errorf("unsupported query type %d", t)
	}
	return nil
}

func readQueryType(s *cryptobyte.String, t *QueryType) bool {
	var v uint8
	if !s.ReadUint8(&v) {
		return false
	}
	*t = QueryType(v)
	return checkQueryType(*t) == nil
}

func finish(s cryptobyte.String, what string) error {
	if !s.Empty() {
		return malformed(what + ": trailing bytes")
	}
	return nil
}

// EncodeMetadata encodes the report metadata, which is identical in all versions.
func EncodeMetadata(md *ReportMetadata) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	addMetadata(b, md)
	return b.Bytes()
}

// EncodeReport encodes a report for the given version.
func EncodeReport(v Version, r *Report) ([]byte, error) {
	if err := checkVersion(v); err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	if v == Draft02 {
		b.AddBytes(r.TaskID[:])
	}
	addMetadata(b, &r.Metadata)
	addOpaque32(b, r.PublicShare)
	if v == Draft02 {
		addCiphertexts(b, r.EncryptedInputShares)
	} else {
		if len(r.EncryptedInputShares) != 2 {
			return nil, fmt.Errorf("expect 2 encrypted input shares, got %d", len(r.EncryptedInputShares))
		}
		addCiphertext(b, &r.EncryptedInputShares[0])
		addCiphertext(b, &r.EncryptedInputShares[1])
	}
	return b.Bytes()
}

// DecodeReport decodes a report for the given version.
func DecodeReport(v Version, data []byte) (*Report, error) {
	if err := checkVersion(v); err != nil {
		return nil, err
	}
	s := cryptobyte.String(data)
	r := &Report{}
	if v == Draft02 && !readFixed(&s, r.TaskID[:]) {
		return nil, malformed("report task ID")
	}
	if !readMetadata(&s, &r.Metadata) {
		return nil, malformed("report metadata")
	}
	if !readOpaque32(&s, &r.PublicShare) {
		return nil, malformed("report public share")
	}
	if v == Draft02 {
		if !readCiphertexts(&s, &r.EncryptedInputShares) {
			return nil, malformed("report input shares")
		}
	} else {
		r.EncryptedInputShares = make([]HpkeCiphertext, 2)
		if !readCiphertext(&s, &r.EncryptedInputShares[0]) || !readCiphertext(&s, &r.EncryptedInputShares[1]) {
			return nil, malformed("report input shares")
		}
	}
	return r, finish(s, "report")
}

func addQuery(b *cryptobyte.Builder, q *Query) {
	addQueryType(b, q.Type)
	switch q.Type {
	case QueryTypeTimeInterval:
		addInterval(b, q.BatchInterval)
	case QueryTypeFixedSize:
		if q.CurrentBatch {
			b.AddUint8(1)
		} else {
			b.AddUint8(0)
			b.AddBytes(q.BatchID[:])
		}
	}
}

func readQuery(s *cryptobyte.String, q *Query) bool {
	if !readQueryType(s, &q.Type) {
		return false
	}
	if q.Type == QueryTypeTimeInterval {
		return readInterval(s, &q.BatchInterval)
	}
	var sub uint8
	if !s.ReadUint8(&sub) {
		return false
	}
	switch sub {
	case 0:
		return readFixed(s, q.BatchID[:])
	case 1:
		q.CurrentBatch = true
		return true
	}
	return false
}

// EncodeCollectionReq encodes a collect request for the given version.
func EncodeCollectionReq(v Version, req *CollectionReq) ([]byte, error) {
	if err := checkVersion(v); err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	if v == Draft02 {
		b.AddBytes(req.TaskID[:])
	}
	addQuery(b, &req.Query)
	addOpaque32(b, req.AggParam)
	return b.Bytes()
}

// DecodeCollectionReq decodes a collect request for the given version.
func DecodeCollectionReq(v Version, data []byte) (*CollectionReq, error) {
	if err := checkVersion(v); err != nil {
		return nil, err
	}
	s := cryptobyte.String(data)
	req := &CollectionReq{}
	if v == Draft02 && !readFixed(&s, req.TaskID[:]) {
		return nil, malformed("collect request task ID")
	}
	if !readQuery(&s, &req.Query) {
		return nil, malformed("collect request query")
	}
	if !readOpaque32(&s, &req.AggParam) {
		return nil, malformed("collect request aggregation parameter")
	}
	return req, finish(s, "collect request")
}

func addPartialBatchSelector(b *cryptobyte.Builder, p *PartialBatchSelector) {
	addQueryType(b, p.Type)
	if p.Type == QueryTypeFixedSize {
		b.AddBytes(p.BatchID[:])
	}
}

func readPartialBatchSelector(s *cryptobyte.String, p *PartialBatchSelector) bool {
	if !readQueryType(s, &p.Type) {
		return false
	}
	if p.Type == QueryTypeFixedSize {
		return readFixed(s, p.BatchID[:])
	}
	return true
}

func addBatchSelector(b *cryptobyte.Builder, sel *BatchSelector) {
	addQueryType(b, sel.Type)
	if sel.Type == QueryTypeTimeInterval {
		addInterval(b, sel.BatchInterval)
	} else {
		b.AddBytes(sel.BatchID[:])
	}
}

func readBatchSelector(s *cryptobyte.String, sel *BatchSelector) bool {
	if !readQueryType(s, &sel.Type) {
		return false
	}
	if sel.Type == QueryTypeTimeInterval {
		return readInterval(s, &sel.BatchInterval)
	}
	return readFixed(s, sel.BatchID[:])
}

// EncodeBatchSelector encodes a batch selector, which is identical in all versions.
func EncodeBatchSelector(sel *BatchSelector) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	addBatchSelector(b, sel)
	return b.Bytes()
}

// EncodeCollection encodes a collection for the given version.
func EncodeCollection(v Version, c *Collection) ([]byte, error) {
	if err := checkVersion(v); err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	addPartialBatchSelector(b, &c.PartBatchSelector)
	b.AddUint64(c.ReportCount)
	if v == Draft04 {
		addInterval(b, c.Interval)
	}
	addCiphertexts(b, c.EncryptedAggShares)
	return b.Bytes()
}

// DecodeCollection decodes a collection for the given version.
func DecodeCollection(v Version, data []byte) (*Collection, error) {
	if err := checkVersion(v); err != nil {
		return nil, err
	}
	s := cryptobyte.String(data)
	c := &Collection{}
	if !readPartialBatchSelector(&s, &c.PartBatchSelector) || !s.ReadUint64(&c.ReportCount) {
		return nil, malformed("collection header")
	}
	if v == Draft04 && !readInterval(&s, &c.Interval) {
		return nil, malformed("collection interval")
	}
	if !readCiphertexts(&s, &c.EncryptedAggShares) {
		return nil, malformed("collection aggregate shares")
	}
	return c, finish(s, "collection")
}

// EncodeHpkeConfig encodes an HPKE config.
func EncodeHpkeConfig(c *HpkeConfig) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(c.ID)
	b.AddUint16(c.KemID)
	b.AddUint16(c.KdfID)
	b.AddUint16(c.AeadID)
	addOpaque16(b, c.PublicKey)
	return b.Bytes()
}

// DecodeHpkeConfig decodes an HPKE config.
func DecodeHpkeConfig(data []byte) (*HpkeConfig, error) {
	s := cryptobyte.String(data)
	c := &HpkeConfig{}
	if !s.ReadUint8(&c.ID) || !s.ReadUint16(&c.KemID) || !s.ReadUint16(&c.KdfID) || !s.ReadUint16(&c.AeadID) || !readOpaque16(&s, &c.PublicKey) {
		return nil, malformed("hpke config")
	}
	return c, finish(s, "hpke config")
}

// EncodeAggregateReq encodes an aggregation request sent to the Helper.
func EncodeAggregateReq(req *AggregateReq) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(req.JobID[:])
	addPartialBatchSelector(b, &req.PartBatchSelector)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range req.ReportShares {
			rs := &req.ReportShares[i]
			addMetadata(b, &rs.Metadata)
			addOpaque32(b, rs.PublicShare)
			addCiphertext(b, &rs.EncryptedInputShare)
		}
	})
	return b.Bytes()
}

// DecodeAggregateReq decodes an aggregation request.
func DecodeAggregateReq(data []byte) (*AggregateReq, error) {
	s := cryptobyte.String(data)
	req := &AggregateReq{}
	var list cryptobyte.String
	if !readFixed(&s, req.JobID[:]) || !readPartialBatchSelector(&s, &req.PartBatchSelector) || !readUint32LengthPrefixed(&s, &list) {
		return nil, malformed("aggregate request header")
	}
	for !list.Empty() {
		var rs ReportShare
		if !readMetadata(&list, &rs.Metadata) || !readOpaque32(&list, &rs.PublicShare) || !readCiphertext(&list, &rs.EncryptedInputShare) {
			return nil, malformed("aggregate request report share")
		}
		req.ReportShares = append(req.ReportShares, rs)
	}
	return req, finish(s, "aggregate request")
}

// EncodeAggregateResp encodes the Helper's response to an aggregation request.
func EncodeAggregateResp(resp *AggregateResp) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, tr := range resp.Transitions {
			b.AddBytes(tr.ReportID[:])
			b.AddUint8(uint8(tr.Status))
		}
	})
	return b.Bytes()
}

// DecodeAggregateResp decodes the Helper's response to an aggregation request.
func DecodeAggregateResp(data []byte) (*AggregateResp, error) {
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !readUint32LengthPrefixed(&s, &list) {
		return nil, malformed("aggregate response")
	}
	resp := &AggregateResp{}
	for !list.Empty() {
		var tr Transition
		var status uint8
		if !readFixed(&list, tr.ReportID[:]) || !list.ReadUint8(&status) {
			return nil, malformed("aggregate response transition")
		}
		tr.Status = TransitionStatus(status)
		resp.Transitions = append(resp.Transitions, tr)
	}
	return resp, finish(s, "aggregate response")
}

// EncodeAggregateShareReq encodes a request for the Helper's aggregate share.
func EncodeAggregateShareReq(req *AggregateShareReq) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	addBatchSelector(b, &req.BatchSelector)
	b.AddBytes(req.CollectionJobID[:])
	b.AddUint64(req.ReportCount)
	return b.Bytes()
}

// DecodeAggregateShareReq decodes a request for the Helper's aggregate share.
func DecodeAggregateShareReq(data []byte) (*AggregateShareReq, error) {
	s := cryptobyte.String(data)
	req := &AggregateShareReq{}
	if !readBatchSelector(&s, &req.BatchSelector) || !readFixed(&s, req.CollectionJobID[:]) || !s.ReadUint64(&req.ReportCount) {
		return nil, malformed("aggregate share request")
	}
	return req, finish(s, "aggregate share request")
}

// EncodeAggregateShareResp encodes the Helper's aggregate share response.
func EncodeAggregateShareResp(resp *AggregateShareResp) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	addCiphertext(b, &resp.EncryptedAggShare)
	return b.Bytes()
}

// DecodeAggregateShareResp decodes the Helper's aggregate share response.
func DecodeAggregateShareResp(data []byte) (*AggregateShareResp, error) {
	s := cryptobyte.String(data)
	resp := &AggregateShareResp{}
	if !readCiphertext(&s, &resp.EncryptedAggShare) {
		return nil, malformed("aggregate share response")
	}
	return resp, finish(s, "aggregate share response")
}

// InputShareInfo binds an encrypted input share to its task, report and receiver.
func InputShareInfo(taskID TaskID, md *ReportMetadata, publicShare []byte, receiver Role) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes([]byte("dap input share"))
	b.AddUint8(uint8(RoleClient))
	b.AddUint8(uint8(receiver))
	b.AddBytes(taskID[:])
	addMetadata(b, md)
	addOpaque32(b, publicShare)
	return b.Bytes()
}

// AggregateShareInfo binds an encrypted aggregate share to its task, batch and sender.
func AggregateShareInfo(taskID TaskID, sel *BatchSelector, sender Role) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes([]byte("dap aggregate share"))
	b.AddUint8(uint8(sender))
	b.AddUint8(uint8(RoleCollector))
	b.AddBytes(taskID[:])
	addBatchSelector(b, sel)
	return b.Bytes()
}
