// Package parser turns raw log lines into records.
//
// A line that is a JSON object is read as a structured record. Anything else
// is wrapped verbatim in a fallback record, so every non-empty line yields
// exactly one types.Record.
package parser

import (
	"strconv"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/types"
	"github.com/valyala/fastjson"
)

// Field names tried in order when extracting a structured record
var (
	timestampKeys = []string{"timestamp", "ts", "time"}
	messageKeys   = []string{"message", "msg"}
)

// Parser is safe for concurrent use
type Parser struct {
	service   string
	namespace string
	pool      fastjson.ParserPool
	now       func() time.Time
}

// New creates a parser that stamps every record with service and namespace
func New(service, namespace string) *Parser {
	return &Parser{
		service:   service,
		namespace: namespace,
		now:       time.Now,
	}
}

// Parse converts one line into a record. It never fails.
func (p *Parser) Parse(line string) types.Record {
	if rec, ok := p.parseStructured(line); ok {
		return rec
	}
	return p.fallback(line)
}

func (p *Parser) parseStructured(line string) (types.Record, bool) {
	fp := p.pool.Get()
	defer p.pool.Put(fp)

	v, err := fp.Parse(line)
	if err != nil || v.Type() != fastjson.TypeObject {
		return types.Record{}, false
	}

	level := stringField(v, "level")
	if level == "" {
		level = types.DefaultLevel
	}

	// string() copies out of the parser's buffer before it goes back to the pool
	return types.Record{
		Timestamp: timestampField(v),
		Level:     level,
		Message:   stringField(v, messageKeys...),
		Logger:    stringField(v, "logger"),
		Thread:    stringField(v, "thread"),
		Service:   p.service,
		Namespace: p.namespace,
	}, true
}

func (p *Parser) fallback(line string) types.Record {
	return types.Record{
		Timestamp: strconv.FormatInt(p.now().UnixNano(), 10),
		Level:     types.DefaultLevel,
		Message:   line,
		Logger:    types.FallbackLogger,
		Thread:    types.FallbackThread,
		Service:   p.service,
		Namespace: p.namespace,
	}
}

// stringField returns the first of keys holding a JSON string
func stringField(v *fastjson.Value, keys ...string) string {
	for _, key := range keys {
		if b := v.GetStringBytes(key); b != nil {
			return string(b)
		}
	}
	return ""
}

// timestampField accepts a string or a number. Numbers keep their literal text.
func timestampField(v *fastjson.Value) string {
	for _, key := range timestampKeys {
		f := v.Get(key)
		if f == nil {
			continue
		}
		switch f.Type() {
		case fastjson.TypeString:
			return string(f.GetStringBytes())
		case fastjson.TypeNumber:
			return f.String()
		}
	}
	return ""
}
