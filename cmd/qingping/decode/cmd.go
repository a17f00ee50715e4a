// Package decode is interactive frame decoder: paste hex TLV frame or JSON
// payload, get canonical readings and metadata.
package decode

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/cmd/qingping/subcmd"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/helpers/cli"
	"github.com/zlobober/qingping-cgs1/internal/config"
	"github.com/zlobober/qingping-cgs1/internal/convert"
	decode_api "github.com/zlobober/qingping-cgs1/internal/decode"
	"github.com/zlobober/qingping-cgs1/internal/device"
	"github.com/zlobober/qingping-cgs1/log2"
)

const modName = "decode"

// payloads rarely carry MAC, topic supplies it
const defaultTopic = "qingping/000000000000/up"

var Mod = subcmd.Mod{Name: modName, Main: Main, NoConfig: true}

type session struct {
	log   *log2.Log
	hint  device.Model
	topic string
	units convert.Units
	now   func() time.Time
}

// Main accepts optional model hint as first argument.
func Main(ctx context.Context, _ *config.Config, log *log2.Log, args []string) error {
	s := &session{log: log, topic: defaultTopic, units: convert.DefaultUnits(), now: time.Now}
	if len(args) > 0 {
		if err := s.setModel(args[0]); err != nil {
			return err
		}
	}
	cli.MainLoop(modName, s.exec, s.complete)
	return nil
}

func (s *session) exec(line string) {
	out, err := s.handle(line)
	if err != nil {
		s.log.Error(errors.ErrorStack(err))
		return
	}
	if out != "" {
		fmt.Println(out)
	}
}

func (s *session) handle(line string) (string, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	switch fields[0] {
	case "model":
		if len(fields) != 2 {
			return "", errors.NotValidf("usage: model NAME")
		}
		if err := s.setModel(fields[1]); err != nil {
			return "", err
		}
		return "model=" + s.hint.String(), nil
	case "topic":
		if len(fields) != 2 {
			return "", errors.NotValidf("usage: topic TOPIC")
		}
		if _, err := device.MACFromTopic(fields[1]); err != nil {
			return "", err
		}
		s.topic = fields[1]
		return "topic=" + s.topic, nil
	case "imperial":
		s.units.System = convert.Imperial
		return "units=imperial", nil
	case "metric":
		s.units.System = convert.Metric
		return "units=metric", nil
	}

	var payload []byte
	if strings.HasPrefix(line, "{") {
		payload = []byte(line)
	} else {
		var err error
		if payload, err = helpers.ParseHexLoose(line); err != nil {
			return "", errors.Annotate(err, "hex")
		}
	}
	r, err := decode_api.Parse(s.topic, payload, s.hint, s.now())
	if err != nil {
		return "", err
	}
	return s.format(r), nil
}

func (s *session) setModel(name string) error {
	m, err := device.ParseModel(name)
	if err != nil {
		return err
	}
	s.hint = m
	return nil
}

func (s *session) format(r *decode_api.Result) string {
	var b strings.Builder
	b.WriteString(r.String())
	if r.Format == device.FormatTLV {
		fmt.Fprintf(&b, "\ncommand=%s checksum_valid=%t", r.Command, r.ChecksumValid)
		if len(r.Ignored) != 0 {
			fmt.Fprintf(&b, " ignored=%v", r.Ignored)
		}
	}
	latest := decode_api.Latest(r.Readings)
	codes := make([]device.SensorCode, 0, len(latest))
	for code := range latest {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		v, err := convert.Present(latest[code], 0, s.units)
		switch {
		case err != nil:
			fmt.Fprintf(&b, "\n  %s err=%v", code, err)
		case v.Unavailable:
			fmt.Fprintf(&b, "\n  %s unavailable", code)
		default:
			fmt.Fprintf(&b, "\n  %s %g %s", code, v.Value, v.Unit)
		}
	}
	return b.String()
}

func (s *session) complete(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "model", Description: "set model hint: " + modelNames()},
		{Text: "topic", Description: "set topic, MAC is taken from it"},
		{Text: "imperial", Description: "show temperature in Fahrenheit"},
		{Text: "metric", Description: "show temperature in Celsius"},
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}

func modelNames() string {
	ms := device.Models()
	ss := make([]string, len(ms))
	for i, m := range ms {
		ss[i] = m.String()
	}
	return strings.Join(ss, " ")
}
