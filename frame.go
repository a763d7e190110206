package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/npat-efault/crc16"
)

type replyKind int

const (
	replyNone replyKind = iota
	replyAck
	replyRecord
)

// StatusRecord is the controller's answer to a query.
type StatusRecord struct {
	Mode   HvacCode `json:"mode"`
	Status string   `json:"status"`
}

type Reply struct {
	kind   replyKind
	ack    int
	record StatusRecord
}

func (r Reply) String() string {
	switch r.kind {
	case replyAck:
		return strconv.Itoa(r.ack)
	case replyRecord:
		return fmt.Sprintf("%+v", r.record)
	default:
		return "<no data>"
	}
}

// MODBUS parameters: reflected 0x8005, initial value 0xffff.
var crcConfig = &crc16.Conf{
	Poly: 0x8005, BitRev: true,
	IniVal: 0xffff, FinVal: 0x0,
	BigEnd: false,
}

func checksum(payload []byte) string {
	return fmt.Sprintf("%04X", crc16.Checksum(crcConfig, payload))
}

// encodeLine frames one request. With sum set the payload is followed by
// '*' and its CRC as four hex digits.
func encodeLine(payload []byte, sum bool) []byte {
	buf := new(bytes.Buffer)
	buf.Write(payload)
	if sum {
		buf.WriteByte('*')
		buf.WriteString(checksum(payload))
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// decodeLine strips line endings and, with sum set, verifies and strips the
// checksum suffix.
func decodeLine(line []byte, sum bool) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !sum {
		return line, true
	}

	i := bytes.LastIndexByte(line, '*')
	if i < 0 || len(line)-i-1 != 4 {
		return nil, false
	}
	payload := line[:i]
	if !bytes.EqualFold(line[i+1:], []byte(checksum(payload))) {
		return nil, false
	}
	return payload, true
}

func encodeCode(code int, sum bool) []byte {
	return encodeLine([]byte(strconv.Itoa(code)), sum)
}

// parseReply classifies a decoded payload. A record missing its mode or its
// status is given an out-of-range code so it is rejected when applied.
func parseReply(payload []byte) Reply {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Reply{}
	}

	if payload[0] == '{' {
		raw := struct {
			Mode   *int    `json:"mode"`
			Status *string `json:"status"`
		}{}
		if err := json.Unmarshal(payload, &raw); err != nil {
			return Reply{}
		}
		rec := StatusRecord{Mode: HvacCode(-1)}
		if raw.Mode != nil && raw.Status != nil {
			rec.Mode, rec.Status = HvacCode(*raw.Mode), *raw.Status
		}
		return Reply{kind: replyRecord, record: rec}
	}

	n, err := strconv.Atoi(string(payload))
	if err != nil {
		return Reply{}
	}
	return Reply{kind: replyAck, ack: n}
}
