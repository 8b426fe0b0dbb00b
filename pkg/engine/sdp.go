package engine

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

// codecInfo аудио кодек, известный движку
type codecInfo struct {
	Name        string
	PayloadType uint8
	ClockRate   uint32
	Channels    int
}

// staticCodecs статические payload types RFC 3551
var staticCodecs = map[uint8]codecInfo{
	0: {Name: "PCMU", PayloadType: 0, ClockRate: 8000},
	8: {Name: "PCMA", PayloadType: 8, ClockRate: 8000},
}

// supportedCodecs кодеки, для которых движок умеет формировать кадры
var supportedCodecs = []string{"PCMU", "PCMA", "opus"}

func codecByName(name string) (string, bool) {
	for _, c := range supportedCodecs {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

var errNoCommonCodec = errors.New("нет общего аудио кодека")

// negotiation результат разбора предложения удаленной стороны
type negotiation struct {
	codec      codecInfo
	dtmf       bool
	dtmfPT     uint8
	dtmfRate   uint32
	remoteAddr *net.UDPAddr
	direction  string
}

// negotiate выбирает первый предложенный кодек, разрешенный политикой
func negotiate(offer *sdp.SessionDescription, policy phone.MediaPolicy) (*negotiation, error) {
	var audio *sdp.MediaDescription
	for _, md := range offer.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, errors.New("в предложении нет аудио потока")
	}

	rtpmap := make(map[uint8]codecInfo)
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		if c, ok := parseRtpmap(attr.Value); ok {
			rtpmap[c.PayloadType] = c
		}
	}

	n := &negotiation{direction: answerDirection(audio)}
	found := false
	for _, format := range audio.MediaName.Formats {
		pt64, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		pt := uint8(pt64)

		c, ok := rtpmap[pt]
		if !ok {
			c, ok = staticCodecs[pt]
		}
		if !ok {
			continue
		}
		if strings.EqualFold(c.Name, "telephone-event") {
			if policy.DTMFUseRFC4733 && !n.dtmf {
				n.dtmf = true
				n.dtmfPT = pt
				n.dtmfRate = c.ClockRate
			}
			continue
		}
		if _, ok := codecByName(c.Name); !ok {
			continue
		}
		if !found && policy.AllowsCodec(c.Name) {
			n.codec = c
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %v", errNoCommonCodec, audio.MediaName.Formats)
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = offer.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return nil, errors.New("в предложении нет адреса соединения")
	}
	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		addrs, err := net.LookupIP(conn.Address.Address)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("не удалось разрешить адрес медиа %q", conn.Address.Address)
		}
		ip = addrs[0]
	}
	n.remoteAddr = &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value}

	return n, nil
}

// parseRtpmap разбирает значение "96 opus/48000/2"
func parseRtpmap(value string) (codecInfo, bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return codecInfo{}, false
	}
	pt, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return codecInfo{}, false
	}
	enc := strings.Split(parts[1], "/")
	if len(enc) < 2 {
		return codecInfo{}, false
	}
	rate, err := strconv.ParseUint(enc[1], 10, 32)
	if err != nil {
		return codecInfo{}, false
	}
	c := codecInfo{Name: enc[0], PayloadType: uint8(pt), ClockRate: uint32(rate)}
	if len(enc) > 2 {
		c.Channels, _ = strconv.Atoi(enc[2])
	}
	return c, true
}

// answerDirection зеркалит направление предложения
func answerDirection(md *sdp.MediaDescription) string {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "sendonly":
			return "recvonly"
		case "recvonly":
			return "sendonly"
		case "inactive":
			return "inactive"
		}
	}
	return "sendrecv"
}

// buildAnswer строит SDP ответ только с аудио потоком
func buildAnswer(offer *sdp.SessionDescription, n *negotiation, host string, port int, userAgent string) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	conn := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: host},
	}

	formats := []string{strconv.Itoa(int(n.codec.PayloadType))}
	rtpmap := fmt.Sprintf("%d %s/%d", n.codec.PayloadType, n.codec.Name, n.codec.ClockRate)
	if n.codec.Channels > 1 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, n.codec.Channels)
	}
	attrs := []sdp.Attribute{
		sdp.NewAttribute("rtpmap", rtpmap),
	}
	if n.dtmf {
		formats = append(formats, strconv.Itoa(int(n.dtmfPT)))
		attrs = append(attrs,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/%d", n.dtmfPT, dtmfClockRate(n.dtmfRate))),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", n.dtmfPT)),
		)
	}
	attrs = append(attrs,
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute(n.direction),
	)

	timing := offer.TimeDescriptions
	if len(timing) == 0 {
		timing = []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}}
	}

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName:           sdp.SessionName(userAgent),
		ConnectionInformation: conn,
		TimeDescriptions:      timing,
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
}
