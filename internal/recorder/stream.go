package recorder

import (
	"errors"
	"sync"

	"github.com/yakGPT/yakGPT/internal/audio"
)

var ErrDeviceClosed = errors.New("capture device closed")

// StreamDevice is a capture device fed with frames the browser sends over
// the session socket.
type StreamDevice struct {
	encoding audio.Encoding
	handler  DeviceHandler

	mu      sync.Mutex
	running bool
	closed  bool
}

func NewStreamDevice(enc audio.Encoding, h DeviceHandler) *StreamDevice {
	return &StreamDevice{encoding: enc, handler: h}
}

// StreamDeviceFactory opens stream devices decoding frames as enc.
func StreamDeviceFactory(enc audio.Encoding) DeviceFactory {
	return func(h DeviceHandler) (Device, error) {
		return NewStreamDevice(enc, h), nil
	}
}

func (d *StreamDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.running = true
	return nil
}

// Stop stops accepting frames and reports the stop asynchronously, the way
// a hardware recorder fires its stop event.
func (d *StreamDevice) Stop() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDeviceClosed
	}
	d.running = false
	d.mu.Unlock()
	if d.handler.OnStop != nil {
		go d.handler.OnStop()
	}
	return nil
}

func (d *StreamDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.running = false
	return nil
}

// Feed decodes one frame and hands it to the recorder. Frames arriving
// while stopped are dropped.
func (d *StreamDevice) Feed(frame []byte) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return nil
	}
	pcm, err := audio.ToPCM16(frame, d.encoding)
	if err != nil {
		return err
	}
	if d.handler.OnData != nil {
		d.handler.OnData(pcm)
	}
	return nil
}
