// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol implements the framed signaling protocol spoken between
// instances and the hub. Every message is a fixed size header followed by
// an XDR encoded payload.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/calmh/xdr"
)

const (
	magic          = 0x48525448
	ProtocolName   = "hearth-signal"
	MaxPayloadSize = 1 << 20
	headerSize     = 12
)

const (
	messageTypePing int32 = iota
	messageTypePong
	messageTypeLogin
	messageTypeResponse
	messageTypePresence
	messageTypeInfoRequest
	messageTypeInfoResponse
	messageTypeError
	messageTypeHubPush
)

var (
	ResponseSuccess           = Response{Code: 0, Message: "success"}
	ResponseAuthFailed        = Response{Code: 1, Message: "authentication failed"}
	ResponseNotFound          = Response{Code: 2, Message: "recipient not found"}
	ResponseRateLimited       = Response{Code: 3, Message: "rate limited"}
	ResponseUnexpectedMessage = Response{Code: 100, Message: "unexpected message"}
)

var (
	ErrMagicMismatch   = errors.New("magic mismatch")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrMessageTooLarge = errors.New("message too large")
)

type xdrMessage interface {
	MarshalXDRInto(m *xdr.Marshaller) error
	XDRSize() int
}

type header struct {
	magic         uint32
	messageType   int32
	messageLength int32
}

func (h header) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint32(h.magic)
	m.MarshalUint32(uint32(h.messageType))
	m.MarshalUint32(uint32(h.messageLength))
	return m.Error
}

func (h *header) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	h.magic = u.UnmarshalUint32()
	h.messageType = int32(u.UnmarshalUint32())
	h.messageLength = int32(u.UnmarshalUint32())
	return u.Error
}

func WriteMessage(w io.Writer, message any) error {
	var msg xdrMessage
	h := header{magic: magic}

	switch m := message.(type) {
	case Ping:
		msg, h.messageType = m, messageTypePing
	case Pong:
		msg, h.messageType = m, messageTypePong
	case Login:
		msg, h.messageType = m, messageTypeLogin
	case Response:
		msg, h.messageType = m, messageTypeResponse
	case Presence:
		msg, h.messageType = m, messageTypePresence
	case InfoRequest:
		msg, h.messageType = m.PeerInfo, messageTypeInfoRequest
	case InfoResponse:
		msg, h.messageType = m.PeerInfo, messageTypeInfoResponse
	case ErrorMessage:
		msg, h.messageType = m, messageTypeError
	case HubPush:
		msg, h.messageType = m, messageTypeHubPush
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, message)
	}

	size := msg.XDRSize()
	if size > MaxPayloadSize {
		return ErrMessageTooLarge
	}
	h.messageLength = int32(size)

	buf := make([]byte, headerSize+size)
	m := &xdr.Marshaller{Data: buf}
	if err := h.MarshalXDRInto(m); err != nil {
		return err
	}
	if err := msg.MarshalXDRInto(m); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func ReadMessage(r io.Reader) (any, error) {
	var hbuf [headerSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return nil, err
	}
	var h header
	if err := h.UnmarshalXDRFrom(&xdr.Unmarshaller{Data: hbuf[:]}); err != nil {
		return nil, err
	}
	if h.magic != magic {
		return nil, ErrMagicMismatch
	}
	if h.messageLength < 0 || h.messageLength > MaxPayloadSize {
		return nil, ErrMessageTooLarge
	}

	payload := make([]byte, h.messageLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	u := &xdr.Unmarshaller{Data: payload}

	switch h.messageType {
	case messageTypePing:
		var msg Ping
		return msg, msg.UnmarshalXDRFrom(u)
	case messageTypePong:
		var msg Pong
		return msg, msg.UnmarshalXDRFrom(u)
	case messageTypeLogin:
		var msg Login
		err := msg.UnmarshalXDRFrom(u)
		return msg, err
	case messageTypeResponse:
		var msg Response
		err := msg.UnmarshalXDRFrom(u)
		return msg, err
	case messageTypePresence:
		var msg Presence
		err := msg.UnmarshalXDRFrom(u)
		return msg, err
	case messageTypeInfoRequest:
		var msg InfoRequest
		err := msg.PeerInfo.UnmarshalXDRFrom(u)
		return msg, err
	case messageTypeInfoResponse:
		var msg InfoResponse
		err := msg.PeerInfo.UnmarshalXDRFrom(u)
		return msg, err
	case messageTypeError:
		var msg ErrorMessage
		err := msg.UnmarshalXDRFrom(u)
		return msg, err
	case messageTypeHubPush:
		var msg HubPush
		err := msg.UnmarshalXDRFrom(u)
		return msg, err
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, h.messageType)
}

// JID joins an account and a resource into a full identifier.
func JID(account, resource string) string {
	if resource == "" {
		return account
	}
	return account + "/" + resource
}

// Bare returns the account part of a full identifier.
func Bare(jid string) string {
	account, _, _ := strings.Cut(jid, "/")
	return account
}

// Resource returns the resource part of a full identifier.
func Resource(jid string) string {
	_, resource, _ := strings.Cut(jid, "/")
	return resource
}
