package pipeline

import (
	"bytes"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// accessUnitParser is the h264parse stage of the relay: it drops delimiters,
// remembers parameter sets and repeats them in front of IDR frames.
type accessUnitParser struct {
	sps []byte
	pps []byte

	// seconds between parameter set insertions, -1 for every IDR, 0 for never
	configInterval int64
	lastConfig     time.Time
	now            func() time.Time
}

func newAccessUnitParser(sps, pps []byte, configInterval int64) *accessUnitParser {
	return &accessUnitParser{
		sps:            bytes.Clone(sps),
		pps:            bytes.Clone(pps),
		configInterval: configInterval,
		now:            time.Now,
	}
}

func (p *accessUnitParser) parse(au [][]byte) [][]byte {
	out := make([][]byte, 0, len(au)+2)

	var idr, hasSPS, hasPPS bool
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}

		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeSPS:
			p.sps = bytes.Clone(nalu)
			hasSPS = true
		case h264.NALUTypePPS:
			p.pps = bytes.Clone(nalu)
			hasPPS = true
		case h264.NALUTypeIDR:
			idr = true
		}

		out = append(out, bytes.Clone(nalu))
	}

	if len(out) == 0 {
		return nil
	}

	if idr && (hasSPS && hasPPS) {
		p.lastConfig = p.now()
		return out
	}

	if idr && p.configDue() {
		params := make([][]byte, 0, 2)
		if !hasSPS && p.sps != nil {
			params = append(params, p.sps)
		}
		if !hasPPS && p.pps != nil {
			params = append(params, p.pps)
		}
		if len(params) > 0 {
			out = append(params, out...)
			p.lastConfig = p.now()
		}
	}

	return out
}

func (p *accessUnitParser) configDue() bool {
	switch {
	case p.configInterval == 0:
		return false
	case p.configInterval < 0 || p.lastConfig.IsZero():
		return true
	default:
		return p.now().Sub(p.lastConfig) >= time.Duration(p.configInterval)*time.Second
	}
}
