package bamcache

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// BamHeader is the magic prefix of every cache and record file.
const BamHeader = "pbj\x00\n\r"

// recordTypeName is the registered type name of *Record.
const recordTypeName = "BamCacheRecord"

const flagCompressed uint8 = 1 << 0

// TextureMode tells payload encoders how to write textures they reference.
type TextureMode uint8

const (
	// TextureFullPath writes texture references as file paths.
	TextureFullPath TextureMode = iota
	// TextureRawData embeds the texture image inline.
	TextureRawData
)

func (m TextureMode) String() string {
	switch m {
	case TextureFullPath:
		return "fullpath"
	case TextureRawData:
		return "rawdata"
	default:
		return fmt.Sprintf("TextureMode(%d)", uint8(m))
	}
}

// Texture is implemented by payloads whose primary content is image data.
// They are written with TextureRawData.
type Texture interface {
	TexturePath() string
}

// DatagramMarshaler is implemented by objects that encode themselves.
type DatagramMarshaler interface {
	MarshalDatagram(dg *Datagram, mode TextureMode) error
}

// DatagramUnmarshaler is implemented by objects that decode themselves.
type DatagramUnmarshaler interface {
	UnmarshalDatagram(it *DatagramIterator, mode TextureMode) error
}

// Resolver is implemented by objects that need a fix-up pass once every
// object of a graph has been read.
type Resolver interface {
	Resolve() error
}

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
})

// Codec maps registered type names to Go types and encodes objects
// into framed datagrams.
type Codec struct {
	mu       sync.RWMutex
	byName   map[string]reflect.Type
	byType   map[reflect.Type]string
	encoder  *zstd.Encoder
	compress bool
}

// NewCodec returns a codec with the cache record type registered.
func NewCodec() *Codec {
	c := &Codec{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	if err := c.Register(recordTypeName, (*Record)(nil)); err != nil {
		panic(err)
	}
	return c
}

// SetCompression turns zstd compression of object bodies on or off.
// Reading always understands compressed bodies.
func (c *Codec) SetCompression(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on && c.encoder == nil {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = enc
	}
	c.compress = on
	return nil
}

// Register associates name with the type of sample, which must be a pointer.
func (c *Codec) Register(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Pointer {
		return fmt.Errorf("register %q: sample must be a pointer, got %T", name, sample)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byName[name]; ok && existing != t {
		return fmt.Errorf("register %q: name already bound to %s", name, existing)
	}
	c.byName[name] = t
	c.byType[t] = name
	return nil
}

// MustRegister is like Register but panics on error.
func (c *Codec) MustRegister(name string, sample any) {
	if err := c.Register(name, sample); err != nil {
		panic(err)
	}
}

func (c *Codec) nameOf(obj any) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.byType[reflect.TypeOf(obj)]
	return name, ok
}

func (c *Codec) newObject(name string) (any, bool) {
	c.mu.RLock()
	t, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reflect.New(t.Elem()).Interface(), true
}

// ObjectWriter writes a magic header followed by a sequence of objects.
type ObjectWriter struct {
	w     io.Writer
	codec *Codec
	mode  TextureMode
}

// NewWriter returns an ObjectWriter that writes to w.
func (c *Codec) NewWriter(w io.Writer) *ObjectWriter {
	return &ObjectWriter{w: w, codec: c}
}

// WriteHeader writes the raw magic bytes.
func (ow *ObjectWriter) WriteHeader(magic string) error {
	_, err := io.WriteString(ow.w, magic)
	return err
}

// SetTextureMode sets the mode recorded with subsequent objects.
func (ow *ObjectWriter) SetTextureMode(mode TextureMode) {
	ow.mode = mode
}

// WriteObject encodes obj as one framed datagram.
func (ow *ObjectWriter) WriteObject(obj any) error {
	name, ok := ow.codec.nameOf(obj)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownType, obj)
	}

	var body []byte
	if m, ok := obj.(DatagramMarshaler); ok {
		var inner Datagram
		if err := m.MarshalDatagram(&inner, ow.mode); err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		body = inner.Bytes()
	} else {
		b, err := msgpack.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		body = b
	}

	var flags uint8
	ow.codec.mu.RLock()
	if ow.codec.compress {
		body = ow.codec.encoder.EncodeAll(body, nil)
		flags |= flagCompressed
	}
	ow.codec.mu.RUnlock()

	var dg Datagram
	if err := dg.AddString(name); err != nil {
		return err
	}
	dg.AddUint8(flags)
	dg.AddUint8(uint8(ow.mode))
	dg.AddBlob(body)
	return writeDatagram(ow.w, &dg)
}

// ObjectReader reads objects written by an ObjectWriter.
type ObjectReader struct {
	r       io.Reader
	codec   *Codec
	pending []Resolver
}

// NewReader returns an ObjectReader that reads from r.
func (c *Codec) NewReader(r io.Reader) *ObjectReader {
	return &ObjectReader{r: r, codec: c}
}

// ReadHeader reads exactly n raw bytes.
func (rd *ObjectReader) ReadHeader(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadObject decodes the next object. It returns io.EOF at a clean end of
// stream and an error wrapping ErrUnknownType for unregistered type names.
func (rd *ObjectReader) ReadObject() (any, error) {
	raw, err := readDatagram(rd.r)
	if err != nil {
		return nil, err
	}

	it := NewDatagramIterator(raw)
	name, err := it.GetString()
	if err != nil {
		return nil, err
	}
	flags, err := it.GetUint8()
	if err != nil {
		return nil, err
	}
	mode, err := it.GetUint8()
	if err != nil {
		return nil, err
	}
	body, err := it.GetBlob()
	if err != nil {
		return nil, err
	}

	if flags&flagCompressed != 0 {
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", name, err)
		}
	}

	obj, ok := rd.codec.newObject(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}

	if u, ok := obj.(DatagramUnmarshaler); ok {
		if err := u.UnmarshalDatagram(NewDatagramIterator(body), TextureMode(mode)); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
	} else {
		dec := msgpack.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(obj); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
	}

	if r, ok := obj.(Resolver); ok {
		rd.pending = append(rd.pending, r)
	}
	return obj, nil
}

// Resolve runs the fix-up pass on every object read since the last call.
func (rd *ObjectReader) Resolve() error {
	pending := rd.pending
	rd.pending = nil
	for _, r := range pending {
		if err := r.Resolve(); err != nil {
			return err
		}
	}
	return nil
}
