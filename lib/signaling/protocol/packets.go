// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"

	"github.com/calmh/xdr"
)

const (
	maxStringLen    = 4096
	maxCertLen      = 64 << 10
	maxAddresses    = 16
	maxHubPushBytes = MaxPayloadSize - 4096
)

type Ping struct{}

func (Ping) MarshalXDRInto(m *xdr.Marshaller) error   { return m.Error }
func (*Ping) UnmarshalXDRFrom(u *xdr.Unmarshaller) error { return u.Error }
func (Ping) XDRSize() int                                { return 0 }

type Pong struct{}

func (Pong) MarshalXDRInto(m *xdr.Marshaller) error   { return m.Error }
func (*Pong) UnmarshalXDRFrom(u *xdr.Unmarshaller) error { return u.Error }
func (Pong) XDRSize() int                                { return 0 }

// Login is the first message a client sends after connecting.
type Login struct {
	Account  string
	Password string
	Resource string
}

func (l Login) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(l.Account)
	m.MarshalString(l.Password)
	m.MarshalString(l.Resource)
	return m.Error
}

func (l *Login) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	l.Account = u.UnmarshalStringMax(maxStringLen)
	l.Password = u.UnmarshalStringMax(maxStringLen)
	l.Resource = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

func (l Login) XDRSize() int {
	return sizeOfString(l.Account) + sizeOfString(l.Password) + sizeOfString(l.Resource)
}

// Response answers Login and reports routing failures. JID carries the
// full identifier assigned at login.
type Response struct {
	Code    int32
	Message string
	JID     string
}

func (r Response) Error() string {
	return fmt.Sprintf("%d: %s", r.Code, r.Message)
}

func (r Response) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint32(uint32(r.Code))
	m.MarshalString(r.Message)
	m.MarshalString(r.JID)
	return m.Error
}

func (r *Response) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	r.Code = int32(u.UnmarshalUint32())
	r.Message = u.UnmarshalStringMax(maxStringLen)
	r.JID = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

func (r Response) XDRSize() int {
	return 4 + sizeOfString(r.Message) + sizeOfString(r.JID)
}

// Presence announces that From came online or went away. Sent by a client
// (From empty) it is a presence update towards the hub, with Status
// holding a JSON blob of statistics.
type Presence struct {
	From      string
	Available bool
	Status    string
}

func (p Presence) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(p.From)
	m.MarshalBool(p.Available)
	m.MarshalString(p.Status)
	return m.Error
}

func (p *Presence) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	p.From = u.UnmarshalStringMax(maxStringLen)
	p.Available = u.UnmarshalBool()
	p.Status = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

func (p Presence) XDRSize() int {
	return sizeOfString(p.From) + 4 + sizeOfString(p.Status)
}

// PeerInfo is what instances exchange to set up a tunnel: who they are,
// their certificate (base64 DER) and where they accept tunnels.
type PeerInfo struct {
	From        string
	To          string
	DeviceID    string
	Certificate string
	Addresses   []string
}

func (p PeerInfo) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(p.From)
	m.MarshalString(p.To)
	m.MarshalString(p.DeviceID)
	m.MarshalString(p.Certificate)
	m.MarshalUint32(uint32(len(p.Addresses)))
	for _, addr := range p.Addresses {
		m.MarshalString(addr)
	}
	return m.Error
}

func (p *PeerInfo) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	p.From = u.UnmarshalStringMax(maxStringLen)
	p.To = u.UnmarshalStringMax(maxStringLen)
	p.DeviceID = u.UnmarshalStringMax(maxStringLen)
	p.Certificate = u.UnmarshalStringMax(maxCertLen)
	n := int(u.UnmarshalUint32())
	if u.Error != nil {
		return u.Error
	}
	if n > maxAddresses {
		return xdr.ElementSizeExceeded("addresses", n, maxAddresses)
	}
	p.Addresses = nil
	for i := 0; i < n; i++ {
		p.Addresses = append(p.Addresses, u.UnmarshalStringMax(maxStringLen))
	}
	return u.Error
}

func (p PeerInfo) XDRSize() int {
	size := sizeOfString(p.From) + sizeOfString(p.To) + sizeOfString(p.DeviceID) + sizeOfString(p.Certificate) + 4
	for _, addr := range p.Addresses {
		size += sizeOfString(addr)
	}
	return size
}

// InfoRequest asks the recipient for its PeerInfo, giving ours.
type InfoRequest struct {
	PeerInfo
}

// InfoResponse answers an InfoRequest.
type InfoResponse struct {
	PeerInfo
}

// ErrorMessage reports a failure concerning Address, typically a proxy we
// could not connect to.
type ErrorMessage struct {
	From    string
	To      string
	Message string
	Address string
}

func (e ErrorMessage) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(e.From)
	m.MarshalString(e.To)
	m.MarshalString(e.Message)
	m.MarshalString(e.Address)
	return m.Error
}

func (e *ErrorMessage) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	e.From = u.UnmarshalStringMax(maxStringLen)
	e.To = u.UnmarshalStringMax(maxStringLen)
	e.Message = u.UnmarshalStringMax(maxStringLen)
	e.Address = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

func (e ErrorMessage) XDRSize() int {
	return sizeOfString(e.From) + sizeOfString(e.To) + sizeOfString(e.Message) + sizeOfString(e.Address)
}

// HubPush carries a JSON Notice from the hub.
type HubPush struct {
	From string
	Body []byte
}

func (h HubPush) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(h.From)
	m.MarshalBytes(h.Body)
	return m.Error
}

func (h *HubPush) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	h.From = u.UnmarshalStringMax(maxStringLen)
	h.Body = u.UnmarshalBytesMax(maxHubPushBytes)
	return u.Error
}

func (h HubPush) XDRSize() int {
	return sizeOfString(h.From) + 4 + len(h.Body) + xdr.Padding(len(h.Body))
}

func sizeOfString(s string) int {
	return 4 + len(s) + xdr.Padding(len(s))
}
