package motdprobe

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/tidwall/gjson"
)

// Result is the outcome of a single MOTD query.
type Result struct {
	Motd    string
	Online  int
	Max     int
	Version string
}

// queryTimeout bounds a single handshake+status round trip.
const queryTimeout = 4 * time.Second

// query performs a Minecraft Server List Ping handshake against
// addr:port and decodes the status response. The wire protocol is
// treated as opaque per spec §4.13/§6: only the fields this package
// needs (description, players, version) are ever extracted, via
// gjson's passthrough-friendly accessors rather than a strict schema.
func query(addr string, port int) (Result, error) {
	pingPrecheck(addr)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr, port), queryTimeout)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(queryTimeout))

	if err := writeHandshake(conn, addr, port); err != nil {
		return Result{}, err
	}
	if err := writePacket(conn, []byte{0x00}); err != nil { // status request
		return Result{}, err
	}

	payload, err := readPacket(conn)
	if err != nil {
		return Result{}, err
	}

	// payload = [packet id varint][json string]; skip the leading packet id.
	r := bytes.NewReader(payload)
	if _, err := readVarInt(r); err != nil {
		return Result{}, err
	}
	jsonStr, err := readString(r)
	if err != nil {
		return Result{}, err
	}

	return decodeStatusJSON(jsonStr), nil
}

// pingPrecheck is a best-effort ICMP reachability check, logged only:
// many hosts block ICMP while still serving TCP, so a failed ping never
// short-circuits the handshake attempt that follows.
func pingPrecheck(addr string) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return
	}
	pinger.Count = 1
	pinger.Timeout = 1500 * time.Millisecond
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		slog.Debug("motdprobe: icmp precheck failed", "addr", addr, "err", err)
		return
	}
	if pinger.Statistics().PacketsRecv == 0 {
		slog.Debug("motdprobe: icmp precheck got no reply", "addr", addr)
	}
}

func decodeStatusJSON(raw string) Result {
	desc := gjson.Get(raw, "description.text")
	if !desc.Exists() {
		desc = gjson.Get(raw, "description")
	}
	return Result{
		Motd:    desc.String(),
		Online:  int(gjson.Get(raw, "players.online").Int()),
		Max:     int(gjson.Get(raw, "players.max").Int()),
		Version: gjson.Get(raw, "version.name").String(),
	}
}

func writeHandshake(w io.Writer, addr string, port int) error {
	var buf bytes.Buffer
	buf.WriteByte(0x00) // packet id
	writeVarInt(&buf, 760) // protocol version, any recent value; servers ignore mismatch for status
	writeString(&buf, addr)
	binary.Write(&buf, binary.BigEndian, uint16(port))
	buf.WriteByte(0x01) // next state: status
	return writePacket(w, buf.Bytes())
}

func writePacket(w io.Writer, data []byte) error {
	var lenBuf bytes.Buffer
	writeVarInt(&lenBuf, int32(len(data)))
	if _, err := w.Write(lenBuf.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readPacket(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	n, err := readVarInt(br)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeVarInt(w *bytes.Buffer, value int32) {
	uv := uint32(value)
	for {
		b := byte(uv & 0x7F)
		uv >>= 7
		if uv != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if uv == 0 {
			return
		}
	}
}

func readVarInt(r io.ByteReader) (int32, error) {
	var value int32
	for shift := 0; ; shift += 7 {
		if shift >= 35 {
			return 0, fmt.Errorf("motdprobe: varint too long")
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= int32(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, nil
		}
	}
}

func writeString(w *bytes.Buffer, s string) {
	writeVarInt(w, int32(len(s)))
	w.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readVarInt(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
