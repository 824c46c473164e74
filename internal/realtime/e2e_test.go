package realtime

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/disintegration/imaging"

	"github.com/gaspardpetit/livediff/internal/reconnect"
)

type received struct {
	typ  websocket.MessageType
	data []byte
}

func TestFrameRoundTripOverWebsocket(t *testing.T) {
	for _, mirrored := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "mirrored"}[mirrored], func(t *testing.T) {
			got := make(chan received, 4)
			closed := make(chan error, 1)
			var extra atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := websocket.Accept(w, r, nil)
				if err != nil {
					return
				}
				ctx := context.Background()
				typ, data, err := conn.Read(ctx)
				if err != nil {
					closed <- err
					return
				}
				got <- received{typ: typ, data: data}
				for {
					if _, _, err := conn.Read(ctx); err != nil {
						closed <- err
						return
					}
					extra.Add(1)
				}
			}))
			defer srv.Close()

			c := NewClient(Options{
				URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
				Encoder: Encoder{Format: imaging.PNG},
				Policy:  reconnect.Policy{},
			})
			defer c.Close()

			c.Connect()
			waitState(t, c, Connected)

			f := testFrame()
			if mirrored {
				f = f.Mirror()
			}
			if err := c.SendFrame(context.Background(), f); err != nil {
				t.Fatalf("send frame: %v", err)
			}

			var msg received
			select {
			case msg = <-got:
			case <-time.After(2 * time.Second):
				t.Fatalf("server received nothing")
			}
			if msg.typ != websocket.MessageBinary {
				t.Fatalf("expected binary message, got %v", msg.typ)
			}
			img, err := png.Decode(bytes.NewReader(msg.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			decoded := imaging.Clone(img)
			if decoded.Bounds().Dx() != 4 || decoded.Bounds().Dy() != 4 {
				t.Fatalf("decoded bounds %v", decoded.Bounds())
			}
			if !bytes.Equal(decoded.Pix, f.Pix) {
				t.Fatalf("decoded pixels differ from the sent frame")
			}

			c.Disconnect()
			if c.State() != Disconnected {
				t.Fatalf("state %v after disconnect", c.State())
			}
			select {
			case err := <-closed:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					t.Fatalf("server saw %v, want normal closure", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("server never saw the close")
			}
			if err := c.SendFrame(context.Background(), f); !errors.Is(err, ErrNotConnected) {
				t.Fatalf("send after disconnect: %v", err)
			}
			if extra.Load() != 0 {
				t.Fatalf("server received %d extra messages", extra.Load())
			}
		})
	}
}

func TestJPEGEncodingKeepsGeometry(t *testing.T) {
	data, err := DefaultEncoder.Encode(testFrame())
	if err != nil {
		t.Fatal(err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 4 {
		t.Fatalf("bounds %v", img.Bounds())
	}
	if DefaultEncoder.MIME() != "image/jpeg" {
		t.Fatalf("mime %q", DefaultEncoder.MIME())
	}
}

func TestParseEncoder(t *testing.T) {
	if e, err := ParseEncoder("PNG"); err != nil || e.MIME() != "image/png" {
		t.Fatalf("png: %v %v", e, err)
	}
	if e, err := ParseEncoder(""); err != nil || e != DefaultEncoder {
		t.Fatalf("default: %v %v", e, err)
	}
	if _, err := ParseEncoder("webp"); err == nil {
		t.Fatalf("expected error for webp")
	}
}
