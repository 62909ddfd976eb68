package coretest

import (
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/webrtc/v4"
)

// DataChannel is an in-memory core.DataChannel. Open and Deliver drive it from the test.
type DataChannel struct {
	mu      sync.Mutex
	label   string
	state   webrtc.DataChannelState
	sent    []string
	SendErr error

	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

var _ core.DataChannel = (*DataChannel)(nil)

func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SendErr != nil {
		return d.SendErr
	}
	d.sent = append(d.sent, s)
	return nil
}

// Sent returns the text messages written so far, in order.
func (d *DataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *DataChannel) Open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *DataChannel) Deliver(data []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(webrtc.DataChannelMessage{IsString: true, Data: data})
	}
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = webrtc.DataChannelStateClosed
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}
