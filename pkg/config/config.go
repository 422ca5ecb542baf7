// Package config loads the engine tuning knobs and the parameter
// descriptor table's static metadata from an INI file.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/kestrel-link/rdt/pkg/rdt"
)

// EngineSection is the INI section name holding engine tuning: queue
// depths, timeouts, max block size per channel.
const EngineSection = "engine"

// ParamSectionPrefix is the INI section name prefix for one parameter
// descriptor's static metadata, keyed "param.<message_type>" (decimal).
const ParamSectionPrefix = "param."

// ParamMeta is a parameter descriptor's static, config-loaded metadata: the
// read/write callbacks themselves are registered in code, but a
// human-readable name and access hint are useful for tooling and logs.
type ParamMeta struct {
	MessageType uint8
	Name        string
	ReadOnly    bool
}

// File is the parsed contents of one engine config INI file.
type File struct {
	Engine rdt.Config
	Params []ParamMeta
}

// Load parses an INI file at path into engine tuning plus the parameter
// descriptor table's static metadata. A missing [engine] section, or
// individual missing keys within it, fall back to rdt.DefaultConfig
// defaults, matching rdt.Config.withDefaults' own zero-value fallback.
func Load(path string) (File, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return File{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return parse(cfg)
}

// LoadBytes parses already-loaded INI data, for tests and embedded
// defaults that don't want a filesystem round-trip.
func LoadBytes(data []byte) (File, error) {
	cfg, err := ini.Load(data)
	if err != nil {
		return File{}, fmt.Errorf("config: parsing bytes: %w", err)
	}
	return parse(cfg)
}

func parse(cfg *ini.File) (File, error) {
	var f File
	f.Engine = rdt.DefaultConfig()

	if sec, err := cfg.GetSection(EngineSection); err == nil {
		if k := sec.Key("ack_timeout_ms"); k.String() != "" {
			ms, err := k.Int()
			if err != nil {
				return f, fmt.Errorf("config: [engine] ack_timeout_ms: %w", err)
			}
			f.Engine.AckTimeout = time.Duration(ms) * time.Millisecond
		}
		if k := sec.Key("max_retry"); k.String() != "" {
			n, err := k.Int()
			if err != nil {
				return f, fmt.Errorf("config: [engine] max_retry: %w", err)
			}
			f.Engine.MaxRetry = n
		}
		if k := sec.Key("queue_depth"); k.String() != "" {
			n, err := k.Int()
			if err != nil {
				return f, fmt.Errorf("config: [engine] queue_depth: %w", err)
			}
			f.Engine.QueueDepth = n
		}
		if k := sec.Key("event_queue_depth"); k.String() != "" {
			n, err := k.Int()
			if err != nil {
				return f, fmt.Errorf("config: [engine] event_queue_depth: %w", err)
			}
			f.Engine.EventQueueDepth = n
		}
		if k := sec.Key("tick_interval_ms"); k.String() != "" {
			ms, err := k.Int()
			if err != nil {
				return f, fmt.Errorf("config: [engine] tick_interval_ms: %w", err)
			}
			f.Engine.TickInterval = time.Duration(ms) * time.Millisecond
		}
		if k := sec.Key("submit_wait_ms"); k.String() != "" {
			ms, err := k.Int()
			if err != nil {
				return f, fmt.Errorf("config: [engine] submit_wait_ms: %w", err)
			}
			f.Engine.SubmitWait = time.Duration(ms) * time.Millisecond
		}
		for ch := 0; ch < rdt.MaxChannels; ch++ {
			key := fmt.Sprintf("max_block_size_%d", ch)
			if k := sec.Key(key); k.String() != "" {
				n, err := k.Int()
				if err != nil {
					return f, fmt.Errorf("config: [engine] %s: %w", key, err)
				}
				f.Engine.MaxBlockSize[ch] = n
			}
		}
	}

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if len(name) <= len(ParamSectionPrefix) || name[:len(ParamSectionPrefix)] != ParamSectionPrefix {
			continue
		}
		mt, err := strconv.ParseUint(name[len(ParamSectionPrefix):], 10, 8)
		if err != nil {
			return f, fmt.Errorf("config: section [%s]: message_type must be 0..255: %w", name, err)
		}
		f.Params = append(f.Params, ParamMeta{
			MessageType: uint8(mt),
			Name:        sec.Key("name").String(),
			ReadOnly:    sec.Key("read_only").MustBool(false),
		})
	}

	return f, nil
}
