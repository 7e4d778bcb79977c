package bamcache

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// testModel is encoded with msgpack.
type testModel struct {
	Name     string
	Vertices []float32
}

// testTexture encodes itself and remembers the texture mode it saw.
type testTexture struct {
	Path     string
	Pixels   []byte
	mode     TextureMode
	released int
	resolved bool
}

func (tx *testTexture) TexturePath() string { return tx.Path }

func (tx *testTexture) MarshalDatagram(dg *Datagram, mode TextureMode) error {
	if err := dg.AddString(tx.Path); err != nil {
		return err
	}
	if mode == TextureRawData {
		dg.AddBlob(tx.Pixels)
	}
	return nil
}

func (tx *testTexture) UnmarshalDatagram(it *DatagramIterator, mode TextureMode) error {
	var err error
	tx.mode = mode
	if tx.Path, err = it.GetString(); err != nil {
		return err
	}
	if mode == TextureRawData {
		pixels, err := it.GetBlob()
		if err != nil {
			return err
		}
		tx.Pixels = append([]byte(nil), pixels...)
	}
	return nil
}

func (tx *testTexture) Resolve() error {
	tx.resolved = true
	return nil
}

func (tx *testTexture) Release() { tx.released++ }

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec := NewCodec()
	codec.MustRegister("testModel", &testModel{})
	codec.MustRegister("testTexture", &testTexture{})
	return codec
}

func TestCodecRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			codec := newTestCodec(t)
			if err := codec.SetCompression(compress); err != nil {
				t.Fatalf("SetCompression failed: %v", err)
			}

			var buf bytes.Buffer
			w := codec.NewWriter(&buf)
			if err := w.WriteHeader(BamHeader); err != nil {
				t.Fatalf("WriteHeader failed: %v", err)
			}
			in := &testModel{Name: "teapot", Vertices: []float32{1, 2, 3}}
			if err := w.WriteObject(in); err != nil {
				t.Fatalf("WriteObject failed: %v", err)
			}

			r := codec.NewReader(&buf)
			head, err := r.ReadHeader(len(BamHeader))
			if err != nil || head != BamHeader {
				t.Fatalf("ReadHeader = %q, %v", head, err)
			}
			obj, err := r.ReadObject()
			if err != nil {
				t.Fatalf("ReadObject failed: %v", err)
			}
			out, ok := obj.(*testModel)
			if !ok {
				t.Fatalf("Expected *testModel, got %T", obj)
			}
			if out.Name != in.Name || len(out.Vertices) != 3 || out.Vertices[2] != 3 {
				t.Errorf("Decoded model mismatch: %+v", out)
			}
			if _, err := r.ReadObject(); err != io.EOF {
				t.Errorf("Expected io.EOF after the last object, got %v", err)
			}
		})
	}
}

func TestCodecTextureMode(t *testing.T) {
	tests := []struct {
		name       string
		mode       TextureMode
		wantPixels bool
	}{
		{"full path", TextureFullPath, false},
		{"raw data", TextureRawData, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := newTestCodec(t)
			var buf bytes.Buffer
			w := codec.NewWriter(&buf)
			w.SetTextureMode(tt.mode)
			if err := w.WriteObject(&testTexture{Path: "/tex/a.png", Pixels: []byte{9, 9}}); err != nil {
				t.Fatalf("WriteObject failed: %v", err)
			}

			r := codec.NewReader(&buf)
			obj, err := r.ReadObject()
			if err != nil {
				t.Fatalf("ReadObject failed: %v", err)
			}
			tx := obj.(*testTexture)
			if tx.mode != tt.mode {
				t.Errorf("Expected mode %s, got %s", tt.mode, tx.mode)
			}
			if (len(tx.Pixels) > 0) != tt.wantPixels {
				t.Errorf("Pixels present = %v, want %v", len(tx.Pixels) > 0, tt.wantPixels)
			}
			if tx.resolved {
				t.Error("Expected resolve to wait for Resolve()")
			}
			if err := r.Resolve(); err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if !tx.resolved {
				t.Error("Expected the texture to be resolved")
			}
		})
	}
}

func TestCodecUnknownType(t *testing.T) {
	codec := NewCodec()

	var buf bytes.Buffer
	err := codec.NewWriter(&buf).WriteObject(&testModel{})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Expected ErrUnknownType on write, got %v", err)
	}

	// Written by a codec that knows the type, read by one that does not.
	if err := newTestCodec(t).NewWriter(&buf).WriteObject(&testModel{Name: "x"}); err != nil {
		t.Fatalf("WriteObject failed: %v", err)
	}
	_, err = codec.NewReader(&buf).ReadObject()
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Expected ErrUnknownType on read, got %v", err)
	}
}

func TestCodecRegister(t *testing.T) {
	codec := NewCodec()
	if err := codec.Register("model", testModel{}); err == nil {
		t.Error("Expected an error for a non-pointer sample")
	}
	if err := codec.Register("model", &testModel{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := codec.Register("model", &testModel{}); err != nil {
		t.Errorf("Registering the same binding twice should succeed, got %v", err)
	}
	if err := codec.Register("model", &testTexture{}); err == nil {
		t.Error("Expected an error when rebinding a name to another type")
	}
}
