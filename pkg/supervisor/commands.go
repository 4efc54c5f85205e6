package supervisor

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	redisclient "github.com/vitocan-oss/e3-uds-adapter/pkg/redis"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/session"
)

// CommandListKey is the Redis list the host pushes command envelopes onto
// with LPUSH; WatchCommands drains it with BRPOP, mirroring the teacher's
// KeyBLECommandList/WatchRedisCommands pair.
const CommandListKey = "e3uds:commands"

// commandEnvelope is the user command surface's wire shape (spec 6: "host
// pushes {op, ...} onto a Redis list"). Op selects which fields apply:
// "read" uses Dids, "write" uses Did/Bytes, "schedule" uses PeriodSec/Dids,
// "opMode" uses Mode. Device names the target session (its AddDevice
// StatePrefix).
type commandEnvelope struct {
	Op        string   `json:"op"`
	Device    string   `json:"device"`
	Did       uint16   `json:"did"`
	Dids      []uint16 `json:"dids"`
	Bytes     string   `json:"bytes"`
	PeriodSec uint32   `json:"periodSec"`
	Mode      string   `json:"mode"`
}

// WatchCommands blocks draining CommandListKey with BRPOP and dispatches
// each envelope to its named device's session, until stop is closed.
// Grounded on the teacher's WatchRedisCommands: a BRPOP(0) loop that
// checks a stop channel between pops rather than threading a context
// through the blocking call.
func (sv *Supervisor) WatchCommands(redis *redisclient.Client, stop <-chan struct{}) {
	log.Printf("supervisor: watching command list %s", CommandListKey)
	for {
		select {
		case <-stop:
			log.Printf("supervisor: stopping command watcher")
			return
		default:
		}

		result, err := redis.BRPop(0*time.Second, CommandListKey)
		if err != nil {
			log.Printf("supervisor: command watcher: %v", err)
			continue
		}
		if result == nil {
			continue
		}
		if len(result) != 2 {
			log.Printf("supervisor: command watcher: unexpected BRPOP result %v", result)
			continue
		}
		sv.handleCommand(result[1])
	}
}

// handleCommand parses one command envelope and routes it to the device
// session it names. Malformed envelopes and unknown devices/ops are
// logged and dropped — the host command surface has no reply channel.
func (sv *Supervisor) handleCommand(raw string) {
	var env commandEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Printf("supervisor: command: invalid envelope %q: %v", raw, err)
		return
	}

	s, ok := sv.SessionByName(env.Device)
	if !ok {
		log.Printf("supervisor: command: unknown device %q", env.Device)
		return
	}

	switch env.Op {
	case "read":
		for _, did := range env.Dids {
			s.ReadByDid(did)
		}
	case "write":
		payload, err := hex.DecodeString(env.Bytes)
		if err != nil {
			log.Printf("supervisor: command: device %s: bad bytes %q: %v", env.Device, env.Bytes, err)
			return
		}
		s.WriteByDid(env.Did, payload)
	case "schedule":
		s.AddSchedule(env.PeriodSec, env.Dids)
	case "opMode":
		mode, ok := session.ParseOpMode(env.Mode)
		if !ok {
			log.Printf("supervisor: command: device %s: unknown opMode %q", env.Device, env.Mode)
			return
		}
		s.SetOpMode(mode)
	default:
		log.Printf("supervisor: command: device %s: unknown op %q", env.Device, env.Op)
	}
}
