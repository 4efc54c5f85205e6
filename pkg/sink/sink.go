// Package sink implements the Decode Sink (spec 4.3): on a successful
// read it looks up the DID's codec, decodes the payload, and publishes
// it through three parallel views — raw hex, flat JSON, and a
// hierarchical tree — plus per-session statistics. The tree-view
// recursive walk is modeled directly on the teacher's
// pkg/service/usock_handlers.go nested-map normalization; the
// raw/json/tree hash-plus-publish writes are modeled on the teacher's
// pkg/redis/client.go WriteAndPublishString/WriteAndPublishInt pattern.
package sink

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/codec"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/didcatalog"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/metrics"
	redisclient "github.com/vitocan-oss/e3-uds-adapter/pkg/redis"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/session"
)

// maxTreeChildren caps how many keys/elements of one map/slice level are
// published, per spec 4.3's "safety cap of 100 children per level".
const maxTreeChildren = 100

// Sink is the concrete Decode Sink, backed by Redis. It satisfies
// session.Sink structurally — session never imports this package.
// devicePrefix namespaces the raw-by-DID bookkeeping hash and the
// catalog snapshot metadata this device's ReconcileCatalog reads and
// writes; it is the same name the device is registered under in
// pkg/supervisor.
type Sink struct {
	redis        *redisclient.Client
	catalog      *didcatalog.Catalog
	codecs       *codec.Registry
	metrics      *metrics.Recorder
	devicePrefix string
}

func New(redis *redisclient.Client, catalog *didcatalog.Catalog, codecs *codec.Registry, devicePrefix string) *Sink {
	return &Sink{redis: redis, catalog: catalog, codecs: codecs, devicePrefix: devicePrefix}
}

// SetMetricsRecorder wires Prometheus observation into PublishStats. Optional;
// a Sink with no recorder still publishes to Redis normally.
func (s *Sink) SetMetricsRecorder(r *metrics.Recorder) { s.metrics = r }

// SymbolicID resolves a DID to its sanitized symbolic id, or
// "DeviceSpecific" when the catalog has no entry (spec 4.3).
func (s *Sink) SymbolicID(did uint16) string {
	d, ok := s.catalog.Lookup(did)
	if !ok {
		return "DeviceSpecific"
	}
	return didcatalog.SanitizeSymbolicID(d.SymbolicID)
}

// decode resolves the descriptor and runs its codec. A length mismatch
// or missing catalog entry falls back to raw-hex-only publishing under
// "DeviceSpecific", per spec 4.3.
func (s *Sink) decode(did uint16, raw []byte) (symbolicID string, value any, deviceSpecific bool) {
	d, ok := s.catalog.Lookup(did)
	if !ok {
		return "DeviceSpecific", nil, true
	}
	if int(d.DeclaredLen) != len(raw) {
		return "DeviceSpecific", nil, true
	}
	c, err := s.codecs.Lookup(d.CodecName)
	if err != nil {
		log.Printf("sink: did %04X: %v", did, err)
		return "DeviceSpecific", nil, true
	}
	v, err := c.Decode(raw, d.CodecArgs)
	if err != nil {
		log.Printf("sink: did %04X: decode failed: %v", did, err)
		return "DeviceSpecific", nil, true
	}
	return didcatalog.SanitizeSymbolicID(d.SymbolicID), v, false
}

// DecodeOnly implements session.Sink's Test-opMode path: decode but
// never touch Redis.
func (s *Sink) DecodeOnly(did uint16, raw []byte) (string, any) {
	symbolicID, value, deviceSpecific := s.decode(did, raw)
	if deviceSpecific {
		return symbolicID, hex.EncodeToString(raw)
	}
	return symbolicID, value
}

// PublishRead decodes raw and publishes it through all three views.
func (s *Sink) PublishRead(did uint16, raw []byte) (string, any) {
	symbolicID, value, deviceSpecific := s.decode(did, raw)
	rawHex := hex.EncodeToString(raw)

	if err := s.redis.WriteAndPublishString(keyRaw, symbolicID, rawHex); err != nil {
		log.Printf("sink: publish raw %s: %v", symbolicID, err)
	}
	// Kept by DID rather than symbolic id so a later catalog structural
	// diff (spec 4.4) can look a DID's last-seen raw bytes back up even
	// after its symbolic id changes.
	if err := s.redis.WriteString(s.rawByDidKey(), strconv.Itoa(int(did)), rawHex); err != nil {
		log.Printf("sink: record raw-by-did %04X: %v", did, err)
	}

	if deviceSpecific {
		return symbolicID, rawHex
	}

	if b, err := json.Marshal(value); err != nil {
		log.Printf("sink: marshal json %s: %v", symbolicID, err)
	} else if err := s.redis.WriteAndPublishString(keyJSON, symbolicID, string(b)); err != nil {
		log.Printf("sink: publish json %s: %v", symbolicID, err)
	}

	s.publishTree(symbolicID, value)

	return symbolicID, value
}

// DeleteTree removes every published tree node rooted at symbolicID —
// used on a catalog structural diff (spec 4.4) before re-publishing
// from stored raw bytes with the new codec.
func (s *Sink) DeleteTree(symbolicID string) {
	fields, err := s.redis.HGetAll(keyTree)
	if err != nil {
		log.Printf("sink: delete tree %s: %v", symbolicID, err)
		return
	}
	for field := range fields {
		if field != symbolicID && !strings.HasPrefix(field, symbolicID+".") {
			continue
		}
		if _, err := s.redis.HDel(keyTree, field); err != nil {
			log.Printf("sink: delete tree %s: %v", field, err)
		}
	}
}

// ReconcileCatalog runs the spec 4.4 startup catalog reconciliation: if
// the previously-stored catalog snapshot's version is older than the
// shipped catalog's, structurally diff them. Changed DIDs have their
// published tree deleted and are re-published from their last-seen raw
// bytes under the new codec; if the stored version additionally predates
// didcatalog.TypeCorrectionVersion, every other DID's tree leaves are
// re-published to fix stale element types and the known variable-length
// DIDs are pre-deleted to avoid type conflicts. The current catalog is
// then persisted as the new snapshot for next boot's comparison.
func (s *Sink) ReconcileCatalog() error {
	metaKey := s.catalogMetaKey()
	storedVersion, err := s.redis.GetString(metaKey, "version")
	if err != nil {
		return s.saveSnapshot(metaKey)
	}
	if !didcatalog.VersionLess(storedVersion, s.catalog.Version()) {
		return nil
	}

	stored, err := s.loadStoredSnapshot(metaKey, storedVersion)
	if err != nil {
		return fmt.Errorf("sink: reconcile: load stored snapshot: %w", err)
	}
	rawByDid, err := s.redis.HGetAll(s.rawByDidKey())
	if err != nil {
		return fmt.Errorf("sink: reconcile: load raw-by-did: %w", err)
	}

	diff := s.catalog.StructuralDiff(stored)
	changed := make(map[uint16]bool, len(diff.Changed))
	for _, did := range diff.Changed {
		changed[did] = true
		oldSymbolicID := "DeviceSpecific"
		if d, ok := stored.Lookup(did); ok {
			oldSymbolicID = d.SymbolicID
		}
		s.DeleteTree(oldSymbolicID)
		if raw, ok := decodeRawHex(rawByDid, did); ok {
			s.PublishRead(did, raw)
		}
	}
	log.Printf("sink: catalog reconcile %s: %d DID(s) structurally changed", s.devicePrefix, len(diff.Changed))

	if didcatalog.VersionLess(storedVersion, didcatalog.TypeCorrectionVersion) {
		for _, did := range didcatalog.VariableLengthDids {
			s.DeleteTree(s.SymbolicID(did))
		}
		for didStr := range rawByDid {
			n, err := strconv.Atoi(didStr)
			if err != nil || changed[uint16(n)] {
				continue
			}
			did := uint16(n)
			raw, ok := decodeRawHex(rawByDid, did)
			if !ok {
				continue
			}
			symbolicID, value, deviceSpecific := s.decode(did, raw)
			if !deviceSpecific {
				s.publishTree(symbolicID, value)
			}
		}
		log.Printf("sink: catalog reconcile %s: applied type-correction republish (stored %s < %s)",
			s.devicePrefix, storedVersion, didcatalog.TypeCorrectionVersion)
	}

	return s.saveSnapshot(metaKey)
}

func decodeRawHex(rawByDid map[string]string, did uint16) ([]byte, bool) {
	rawHex, ok := rawByDid[strconv.Itoa(int(did))]
	if !ok {
		return nil, false
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// saveSnapshot persists the currently-loaded catalog's version and every
// DID's (codecName, declaredLen, symbolicId) under metaKey, for the next
// boot's ReconcileCatalog comparison.
func (s *Sink) saveSnapshot(metaKey string) error {
	dids := s.catalog.Dids()
	didStrs := make([]string, 0, len(dids))
	for _, did := range dids {
		d, ok := s.catalog.Lookup(did)
		if !ok {
			continue
		}
		n := strconv.Itoa(int(did))
		didStrs = append(didStrs, n)
		if err := s.redis.WriteString(metaKey, "did:"+n+":codec", d.CodecName); err != nil {
			return err
		}
		if err := s.redis.WriteInt(metaKey, "did:"+n+":len", int(d.DeclaredLen)); err != nil {
			return err
		}
		if err := s.redis.WriteString(metaKey, "did:"+n+":symbolic", didcatalog.SanitizeSymbolicID(d.SymbolicID)); err != nil {
			return err
		}
	}
	if err := s.redis.WriteString(metaKey, "dids", strings.Join(didStrs, ",")); err != nil {
		return err
	}
	return s.redis.WriteString(metaKey, "version", s.catalog.Version())
}

// loadStoredSnapshot rebuilds the previously-persisted catalog from
// metaKey's fields for StructuralDiff comparison.
func (s *Sink) loadStoredSnapshot(metaKey, version string) (*didcatalog.Catalog, error) {
	didList, err := s.redis.GetString(metaKey, "dids")
	if err != nil {
		return didcatalog.FromSnapshot(version, nil), nil
	}
	var descriptors []didcatalog.DidDescriptor
	for _, n := range strings.Split(didList, ",") {
		if n == "" {
			continue
		}
		did, err := strconv.Atoi(n)
		if err != nil {
			continue
		}
		codecName, err := s.redis.GetString(metaKey, "did:"+n+":codec")
		if err != nil {
			continue
		}
		declaredLen, err := s.redis.GetInt(metaKey, "did:"+n+":len")
		if err != nil {
			continue
		}
		symbolicID, _ := s.redis.GetString(metaKey, "did:"+n+":symbolic")
		descriptors = append(descriptors, didcatalog.DidDescriptor{
			DidNumber:   uint16(did),
			SymbolicID:  symbolicID,
			DeclaredLen: uint16(declaredLen),
			CodecName:   codecName,
		})
	}
	return didcatalog.FromSnapshot(version, descriptors), nil
}

const (
	keyRaw  = "e3uds:raw"
	keyJSON = "e3uds:json"
	keyTree = "e3uds:tree"
)

func (s *Sink) rawByDidKey() string    { return "e3uds:rawbydid:" + s.devicePrefix }
func (s *Sink) catalogMetaKey() string { return "e3uds:catalogmeta:" + s.devicePrefix }

func (s *Sink) publishTree(path string, value any) {
	switch v := value.(type) {
	case map[string]any:
		n := 0
		for k, child := range v {
			if n >= maxTreeChildren {
				log.Printf("sink: tree %s: truncated at %d children", path, maxTreeChildren)
				break
			}
			n++
			s.publishTree(path+"."+didcatalog.SanitizeSymbolicID(k), child)
		}
	case []any:
		for i, child := range v {
			if i >= maxTreeChildren {
				log.Printf("sink: tree %s: truncated at %d elements", path, maxTreeChildren)
				break
			}
			s.publishTree(fmt.Sprintf("%s.%d", path, i), child)
		}
	default:
		s.publishLeaf(path, v)
	}
}

func (s *Sink) publishLeaf(field string, v any) {
	var err error
	switch n := v.(type) {
	case uint64:
		err = s.redis.WriteAndPublishFloat(keyTree, field, float64(n))
	case int64:
		err = s.redis.WriteAndPublishFloat(keyTree, field, float64(n))
	case float64:
		err = s.redis.WriteAndPublishFloat(keyTree, field, n)
	default:
		err = s.redis.WriteAndPublishString(keyTree, field, fmt.Sprintf("%v", v))
	}
	if err != nil {
		log.Printf("sink: publish tree leaf %s: %v", field, err)
	}
}

// PublishStats pushes a session's statistics blob to the host. statePrefix
// keys the hash so multiple sessions' statistics don't collide.
func (s *Sink) PublishStats(statePrefix string, stats *session.Statistics) {
	key := "e3uds:stats:" + statePrefix
	fields := map[string]any{
		"cntTotal":        stats.CntTotal,
		"cntOk":           stats.CntOk,
		"cntNegativeResp": stats.CntNegativeResp,
		"cntTimeout":      stats.CntTimeout,
		"cntBadProtocol":  stats.CntBadProtocol,
		"cntOverlap":      stats.CntOverlap(),
		"replyTimeMinMs":  stats.ReplyTimeMin.Milliseconds(),
		"replyTimeMaxMs":  stats.ReplyTimeMax.Milliseconds(),
		"replyTimeMeanMs": stats.ReplyTimeMean().Milliseconds(),
	}
	for field, value := range fields {
		if err := s.redis.WriteInt(key, field, int(toInt64(value))); err != nil {
			log.Printf("sink: publish stats %s.%s: %v", key, field, err)
		}
	}
	if b, err := json.Marshal(stats.PerDidFailures); err == nil {
		s.redis.WriteString(key, "perDidFailures", string(b))
	}
	s.metrics.Observe(statePrefix, stats)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case uint64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
