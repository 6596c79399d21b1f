// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPConfig configures sipgo backed transport.
type SIPConfig struct {
	Username    string
	Password    string
	DisplayName string

	// ServerHost is SIP registrar and outbound proxy.
	ServerHost string
	ServerPort int

	// Transport must be udp, tcp or ws.
	Transport string

	BindHost string
	BindPort int

	// MediaIP goes into SDP connection line. Defaults to BindHost.
	MediaIP string
	// RTPPortStart is base of per line RTP port allocation.
	RTPPortStart int

	MaxLines int

	// RegisterExpiry for Expires header. Zero disables registration.
	RegisterExpiry time.Duration
}

func (c *SIPConfig) setDefaults() {
	if c.ServerPort == 0 {
		c.ServerPort = 5060
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.BindHost == "" {
		c.BindHost = "127.0.0.1"
	}
	if c.MediaIP == "" {
		c.MediaIP = c.BindHost
	}
	if c.RTPPortStart == 0 {
		c.RTPPortStart = 17000
	}
	if c.MaxLines == 0 {
		c.MaxLines = DefaultMaxLines
	}
}

// sipLine is one line slot: either inbound or outbound dialog plus its SDP
// negotiation state.
type sipLine struct {
	inbound  *sipgo.DialogServerSession
	outbound *sipgo.DialogClientSession
	sdp      *sdpState
	muted    bool
}

// SIPTransport implements Transport over sipgo UA. One UDP/TCP listener,
// dialogs addressed by line slot.
type SIPTransport struct {
	conf SIPConfig
	log  *slog.Logger

	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogSrv *sipgo.DialogServerCache
	dialogCli *sipgo.DialogClientCache

	mu    sync.Mutex
	lines map[int]*sipLine
	ev    TransportEvents
}

func NewSIPTransport(conf SIPConfig, log *slog.Logger) *SIPTransport {
	conf.setDefaults()
	return &SIPTransport{
		conf:  conf,
		log:   log.With("caller", "SIPTransport"),
		lines: make(map[int]*sipLine),
	}
}

func (t *SIPTransport) Serve(ctx context.Context, ev TransportEvents) error {
	t.ev = ev

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(t.conf.Username))
	if err != nil {
		return fmt.Errorf("creating user agent: %w", err)
	}
	defer ua.Close()
	t.ua = ua

	client, err := sipgo.NewClient(ua, sipgo.WithClientNAT(), sipgo.WithClientHostname(t.conf.BindHost))
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	t.client = client

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	t.server = server

	contactHDR := sip.ContactHeader{
		DisplayName: t.conf.DisplayName,
		Address: sip.Uri{
			User:      t.conf.Username,
			Host:      t.conf.BindHost,
			Port:      t.conf.BindPort,
			UriParams: sip.NewParams(),
		},
	}
	t.dialogSrv = sipgo.NewDialogServerCache(client, contactHDR)
	t.dialogCli = sipgo.NewDialogClientCache(client, contactHDR)

	server.OnInvite(t.onInvite)
	server.OnAck(t.onAck)
	server.OnBye(t.onBye)
	server.OnCancel(t.onCancel)
	server.OnInfo(t.onInfo)
	server.OnNotify(t.onNotify)
	server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})

	ctx = context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyFuncCtxValue(func(network, addr string) {
		t.log.Info("Listening on transport", "addr", addr, "protocol", network)
		if t.conf.RegisterExpiry > 0 {
			go t.registerLoop(ctx)
		}
		if ev.OnReady != nil {
			ev.OnReady()
		}
	}))

	hostport := net.JoinHostPort(t.conf.BindHost, strconv.Itoa(t.conf.BindPort))
	return server.ListenAndServe(ctx, t.conf.Transport, hostport)
}

func (t *SIPTransport) sessionState(line int, raw string) {
	if t.ev.OnSessionState != nil {
		t.ev.OnSessionState(line, raw)
	}
}

func (t *SIPTransport) registrationState(s RegistrationState) {
	if t.ev.OnRegistrationState != nil {
		t.ev.OnRegistrationState(s)
	}
}

// ---------------------------------------------------------------
// Inbound handling

func (t *SIPTransport) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	dialog, err := t.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		t.log.Error("Handling new INVITE failed", "error", err)
		return
	}

	t.mu.Lock()
	line := 0
	for l := 1; l <= t.conf.MaxLines; l++ {
		if _, busy := t.lines[l]; !busy {
			line = l
			break
		}
	}
	if line == 0 {
		t.mu.Unlock()
		dialog.Respond(sip.StatusBusyHere, "Busy Here", nil)
		dialog.Close()
		return
	}
	sl := &sipLine{
		inbound: dialog,
		sdp:     newSDPState(t.conf.MediaIP, t.rtpPort(line)),
	}
	t.lines[line] = sl
	t.mu.Unlock()

	if err := dialog.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		t.log.Error("Responding 180 failed", "error", err)
	}

	from := req.From()
	number, display := "", ""
	if from != nil {
		number = from.Address.User
		display = from.DisplayName
	}

	go t.watchDialog(line, sl, dialog.Context())

	t.log.Info("Inbound INVITE", "line", line, "number", number)
	if t.ev.OnIncomingCall != nil {
		t.ev.OnIncomingCall(line, number, display)
	}
}

func (t *SIPTransport) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := t.dialogSrv.ReadAck(req, tx); err != nil {
		t.log.Debug("Reading ACK failed", "error", err)
		return
	}

	if line, _, ok := t.lineByCallID(req.CallID().Value()); ok {
		t.sessionState(line, "confirmed")
	}
}

func (t *SIPTransport) onBye(req *sip.Request, tx sip.ServerTransaction) {
	err := t.dialogSrv.ReadBye(req, tx)
	if errors.Is(err, sipgo.ErrDialogDoesNotExists) {
		err = t.dialogCli.ReadBye(req, tx)
	}
	if err != nil {
		t.log.Error("Bye finished with error", "error", err)
	}

	if line, sl, ok := t.lineByCallID(req.CallID().Value()); ok {
		t.freeLine(line, sl)
		t.sessionState(line, "bye")
	}
}

// onCancel handles remote abandoning unanswered inbound INVITE. Transaction
// layer responds 487 on INVITE itself.
func (t *SIPTransport) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	if line, sl, ok := t.lineByCallID(req.CallID().Value()); ok && sl.inbound != nil {
		sl.inbound.Close()
		t.freeLine(line, sl)
		t.sessionState(line, "terminated")
	}
}

// onInfo takes out of band DTMF. Digits are acknowledged and logged, audio
// path is not core concern.
func (t *SIPTransport) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	if ct := req.ContentType(); ct == nil || ct.Value() != "application/dtmf-relay" {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotAcceptable, "Not Acceptable", nil))
		return
	}

	t.log.Debug("DTMF INFO received", "body", string(req.Body()))
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

// onNotify tracks blind transfer progress. Sipfrag with final 2xx means
// remote took over the call, our leg terminates.
func (t *SIPTransport) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	if h := req.GetHeader("Event"); h == nil || h.Value() != "refer" {
		return
	}

	frag := string(req.Body())
	if !fragIsSuccess(frag) {
		t.log.Debug("REFER notify progress", "sipfrag", frag)
		return
	}

	line, sl, ok := t.lineByCallID(req.CallID().Value())
	if !ok {
		return
	}

	t.log.Info("Transfer confirmed by remote, hanging up", "line", line)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.hangup(ctx, sl); err != nil {
		t.log.Error("Hangup after transfer failed", "error", err)
	}
	t.freeLine(line, sl)
	t.sessionState(line, "terminated")
}

func fragIsSuccess(frag string) bool {
	return len(frag) >= 11 && frag[:8] == "SIP/2.0 " && frag[8] == '2'
}

// watchDialog frees line when dialog dies without passing through our BYE or
// CANCEL paths, remote side timeouts mostly.
func (t *SIPTransport) watchDialog(line int, sl *sipLine, ctx context.Context) {
	<-ctx.Done()
	if t.freeLine(line, sl) {
		t.sessionState(line, "terminated")
	}
}

// ---------------------------------------------------------------
// Commands

func (t *SIPTransport) Originate(ctx context.Context, line int, number string) error {
	t.mu.Lock()
	if _, busy := t.lines[line]; busy {
		t.mu.Unlock()
		return fmt.Errorf("line %d busy", line)
	}
	sdpst := newSDPState(t.conf.MediaIP, t.rtpPort(line))
	t.mu.Unlock()

	offer, err := sdpst.offer(sdpModeSendrecv)
	if err != nil {
		return err
	}

	recipient := sip.Uri{User: number, Host: t.conf.ServerHost, Port: t.conf.ServerPort}
	dialog, err := t.dialogCli.Invite(ctx, recipient, offer, sip.NewHeader("Content-Type", "application/sdp"))
	if err != nil {
		t.sessionState(line, "failed")
		return fmt.Errorf("sending INVITE: %w", err)
	}

	sl := &sipLine{outbound: dialog, sdp: sdpst}
	t.mu.Lock()
	t.lines[line] = sl
	t.mu.Unlock()

	go t.waitAnswer(ctx, line, sl, dialog)
	return nil
}

func (t *SIPTransport) waitAnswer(ctx context.Context, line int, sl *sipLine, dialog *sipgo.DialogClientSession) {
	err := dialog.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: t.conf.Username,
		Password: t.conf.Password,
		OnResponse: func(res *sip.Response) error {
			switch res.StatusCode {
			case sip.StatusRinging:
				t.sessionState(line, "ringing")
			case sip.StatusSessionInProgress:
				t.sessionState(line, "early")
			}
			return nil
		},
	})
	if err != nil {
		t.freeLine(line, sl)
		t.sessionState(line, classifyInviteError(err))
		return
	}

	if err := dialog.Ack(ctx); err != nil {
		t.log.Error("Sending ACK failed", "line", line, "error", err)
		t.freeLine(line, sl)
		t.sessionState(line, "failed")
		return
	}

	t.sessionState(line, "answered")
	go t.watchDialog(line, sl, dialog.Context())
}

// classifyInviteError maps INVITE outcome to raw session state.
func classifyInviteError(err error) string {
	var dres sipgo.ErrDialogResponse
	if !errors.As(err, &dres) {
		return "failed"
	}
	switch dres.Res.StatusCode {
	case sip.StatusBusyHere, sip.StatusGlobalBusyEverywhere:
		return "busy"
	case sip.StatusGlobalDecline, sip.StatusForbidden, sip.StatusTemporarilyUnavailable:
		return "rejected"
	case sip.StatusRequestTerminated:
		// Our own CANCEL
		return "terminated"
	}
	return "failed"
}

func (t *SIPTransport) Accept(ctx context.Context, line int) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}
	if sl.inbound == nil {
		return fmt.Errorf("line %d has no inbound session", line)
	}

	answer, err := sl.sdp.offer(sdpModeSendrecv)
	if err != nil {
		return err
	}
	return sl.inbound.Respond(sip.StatusOK, "OK", answer, sip.NewHeader("Content-Type", "application/sdp"))
}

func (t *SIPTransport) Reject(ctx context.Context, line int) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}
	if sl.inbound == nil {
		return fmt.Errorf("line %d has no inbound session", line)
	}

	if err := sl.inbound.Respond(sip.StatusBusyHere, "Busy Here", nil); err != nil {
		return err
	}
	t.freeLine(line, sl)
	t.sessionState(line, "rejected")
	return nil
}

func (t *SIPTransport) Terminate(ctx context.Context, line int) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}

	if err := t.hangup(ctx, sl); err != nil {
		return err
	}
	t.freeLine(line, sl)
	t.sessionState(line, "terminated")
	return nil
}

// hangup ends session whatever phase it is in: BYE for confirmed dialogs,
// error response for unanswered inbound, close for unanswered outbound.
func (t *SIPTransport) hangup(ctx context.Context, sl *sipLine) error {
	if d := sl.outbound; d != nil {
		if d.LoadState() == sip.DialogStateConfirmed {
			return d.Bye(ctx)
		}
		d.Close()
		return nil
	}
	if d := sl.inbound; d != nil {
		if d.LoadState() == sip.DialogStateConfirmed {
			return d.Bye(ctx)
		}
		return d.Respond(sip.StatusTemporarilyUnavailable, "Temporarly unavailable", nil)
	}
	return nil
}

func (t *SIPTransport) Hold(ctx context.Context, line int) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}

	if err := t.reInvite(ctx, sl, sdpModeSendonly); err != nil {
		return err
	}
	t.sessionState(line, "hold")
	return nil
}

func (t *SIPTransport) Resume(ctx context.Context, line int) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}

	if err := t.reInvite(ctx, sl, sdpModeSendrecv); err != nil {
		return err
	}
	t.sessionState(line, "confirmed")
	return nil
}

// reInvite renegotiates session with flipped direction attribute.
func (t *SIPTransport) reInvite(ctx context.Context, sl *sipLine, mode string) error {
	body, err := sl.sdp.offer(mode)
	if err != nil {
		return err
	}

	contact, err := remoteContact(sl)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.INVITE, contact.Address)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	res, err := t.dialogDo(ctx, sl, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return sipgo.ErrDialogResponse{Res: res}
	}
	return nil
}

// Mute only flips local flag. Audio capture mute is device layer concern,
// there is no signaling for it.
func (t *SIPTransport) Mute(ctx context.Context, line int, muted bool) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}
	t.mu.Lock()
	sl.muted = muted
	t.mu.Unlock()
	return nil
}

// SendDigit sends DTMF out of band as INFO application/dtmf-relay.
func (t *SIPTransport) SendDigit(ctx context.Context, line int, digit rune) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}

	contact, err := remoteContact(sl)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.INFO, contact.Address)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit)))

	res, err := t.dialogDo(ctx, sl, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return sipgo.ErrDialogResponse{Res: res}
	}
	return nil
}

func (t *SIPTransport) Refer(ctx context.Context, line int, dest string) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}

	referTo := sip.Uri{User: dest, Host: t.conf.ServerHost, Port: t.conf.ServerPort}
	return t.sendRefer(ctx, sl, "<"+referTo.String()+">")
}

// ReferReplace sends REFER with Replaces of target line dialog, connecting
// both remote parties directly.
func (t *SIPTransport) ReferReplace(ctx context.Context, line int, targetLine int) error {
	sl, err := t.line(line)
	if err != nil {
		return err
	}
	target, err := t.line(targetLine)
	if err != nil {
		return err
	}

	callID, fromTag, toTag, user, err := dialogIdentity(target)
	if err != nil {
		return err
	}

	replaces := url.QueryEscape(fmt.Sprintf("%s;to-tag=%s;from-tag=%s", callID, toTag, fromTag))
	referTo := fmt.Sprintf("<sip:%s@%s:%d?Replaces=%s>", user, t.conf.ServerHost, t.conf.ServerPort, replaces)
	return t.sendRefer(ctx, sl, referTo)
}

func (t *SIPTransport) sendRefer(ctx context.Context, sl *sipLine, referTo string) error {
	contact, err := remoteContact(sl)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.REFER, contact.Address)
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))

	res, err := t.dialogDo(ctx, sl, req)
	if err != nil {
		return err
	}
	// 202 Accepted expected, transfer result comes via NOTIFY
	if !res.IsSuccess() {
		return sipgo.ErrDialogResponse{Res: res}
	}
	return nil
}

// Bridge is accepted as no-op on signaling level. Mixing three party audio
// happens in device layer which reads both RTP streams anyway.
func (t *SIPTransport) Bridge(ctx context.Context, line int, targetLine int) error {
	if _, err := t.line(line); err != nil {
		return err
	}
	if _, err := t.line(targetLine); err != nil {
		return err
	}
	t.log.Info("Bridging lines for conference", "line", line, "target", targetLine)
	return nil
}

// ---------------------------------------------------------------
// Line bookkeeping

func (t *SIPTransport) rtpPort(line int) int {
	return t.conf.RTPPortStart + 2*(line-1)
}

func (t *SIPTransport) line(line int) (*sipLine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sl, ok := t.lines[line]
	if !ok {
		return nil, fmt.Errorf("line %d has no session", line)
	}
	return sl, nil
}

// freeLine removes mapping only when it still points at same session, late
// watchers must not free successor session.
func (t *SIPTransport) freeLine(line int, sl *sipLine) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.lines[line]
	if !ok || cur != sl {
		return false
	}
	delete(t.lines, line)
	return true
}

func (t *SIPTransport) lineByCallID(callID string) (int, *sipLine, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for line, sl := range t.lines {
		id, _, _, _, err := dialogIdentity(sl)
		if err == nil && id == callID {
			return line, sl, true
		}
	}
	return 0, nil, false
}

func remoteContact(sl *sipLine) (*sip.ContactHeader, error) {
	if d := sl.outbound; d != nil {
		if d.InviteResponse == nil || d.InviteResponse.Contact() == nil {
			return nil, errors.New("outbound session has no remote contact")
		}
		return d.InviteResponse.Contact(), nil
	}
	if d := sl.inbound; d != nil {
		if d.InviteRequest.Contact() == nil {
			return nil, errors.New("inbound session has no remote contact")
		}
		return d.InviteRequest.Contact(), nil
	}
	return nil, errors.New("no session on line")
}

func (t *SIPTransport) dialogDo(ctx context.Context, sl *sipLine, req *sip.Request) (*sip.Response, error) {
	if d := sl.outbound; d != nil {
		return d.Do(ctx, req)
	}
	if d := sl.inbound; d != nil {
		return d.Do(ctx, req)
	}
	return nil, errors.New("no session on line")
}

// dialogIdentity extracts Call-ID plus local and remote tags, as Replaces
// needs them.
func dialogIdentity(sl *sipLine) (callID, fromTag, toTag, remoteUser string, err error) {
	if d := sl.outbound; d != nil {
		req := d.InviteRequest
		if req == nil {
			return "", "", "", "", errors.New("outbound session not started")
		}
		callID = req.CallID().Value()
		fromTag, _ = req.From().Params.Get("tag")
		if d.InviteResponse != nil && d.InviteResponse.To() != nil {
			toTag, _ = d.InviteResponse.To().Params.Get("tag")
		}
		remoteUser = req.To().Address.User
		return callID, fromTag, toTag, remoteUser, nil
	}
	if d := sl.inbound; d != nil {
		req := d.InviteRequest
		callID = req.CallID().Value()
		// For inbound leg local tag is To tag we generated
		fromTag, _ = req.From().Params.Get("tag")
		if d.InviteResponse != nil && d.InviteResponse.To() != nil {
			toTag, _ = d.InviteResponse.To().Params.Get("tag")
		}
		remoteUser = req.From().Address.User
		return callID, fromTag, toTag, remoteUser, nil
	}
	return "", "", "", "", errors.New("no session on line")
}
