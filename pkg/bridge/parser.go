package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

const maxLineBytes = 1 << 20

// ParseLine decodes a single bridge line. ok is false for blank, garbled or
// unknown lines, and for comments without text.
func ParseLine(line []byte, now time.Time) (ev Event, ok bool) {
	fields, ok := decodeObject(line)
	if !ok {
		return nil, false
	}

	switch Kind(text(fields["type"])) {
	case KindMeta:
		return &Meta{
			IsLive:     boolPtr(fields["isLive"]),
			StatusCode: intPtr(fields["statusCode"]),
			RoomId:     text(fields["roomId"]),
			Title:      text(fields["title"]),
			LikeCount:  countPtr(fields["likeCount"]),
			EnterCount: countPtr(fields["enterCount"]),
		}, true
	case KindSample:
		return &Sample{
			CapturedAt:  timestamp(fields["capturedAt"], now),
			ViewerCount: countOrZero(fields["viewerCount"]),
			LikeCount:   sampleCount(fields["likeCount"]),
			EnterCount:  sampleCount(fields["enterCount"]),
		}, true
	case KindComment:
		comment, _ := fields["comment"].(string)
		comment = strings.TrimSpace(comment)
		if comment == "" {
			return nil, false
		}
		return &Comment{
			CreatedAt:    timestamp(fields["createdAt"], now),
			UserUniqueId: textPtr(fields["userUniqueId"]),
			Nickname:     textPtr(fields["nickname"]),
			Comment:      comment,
		}, true
	case KindGift:
		return &Gift{
			CreatedAt:    timestamp(fields["createdAt"], now),
			UserUniqueId: textPtr(fields["userUniqueId"]),
			Nickname:     textPtr(fields["nickname"]),
			GiftName:     textPtr(fields["giftName"]),
			DiamondCount: countOrZero(fields["diamondCount"]),
			RepeatCount:  max(1, countOrZero(fields["repeatCount"])),
		}, true
	case KindEnd:
		return &End{
			IsLive:   boolPtr(fields["isLive"]),
			Warnings: stringList(fields["warnings"]),
			Error:    textPtr(fields["error"]),
		}, true
	}

	return nil, false
}

func decodeObject(line []byte) (map[string]any, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, false
	}
	return fields, true
}

// Decode reads bridge output until EOF and hands every recognised event to fn
// in arrival order. Only newline-terminated lines are parsed while the stream
// is open; whatever is still buffered when it closes is parsed once.
func Decode(r io.Reader, fn func(Event)) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	var pending []byte

	for {
		chunk, err := reader.ReadSlice('\n')
		pending = append(pending, chunk...)

		if errors.Is(err, bufio.ErrBufferFull) {
			if len(pending) > maxLineBytes {
				pending = pending[:0]
				discardLine(reader)
			}
			continue
		}

		if err == nil {
			if ev, ok := ParseLine(pending, time.Now().UTC()); ok {
				fn(ev)
			}
			pending = pending[:0]
			continue
		}

		if len(pending) > 0 {
			if ev, ok := ParseLine(pending, time.Now().UTC()); ok {
				fn(ev)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

func discardLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}
