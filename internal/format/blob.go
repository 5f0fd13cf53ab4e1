package format

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// ProductVersion is the current product blob version.
const ProductVersion = 1

// ErrEmptyPayload is returned when an envelope lacks a model or validator.
var ErrEmptyPayload = errors.New("empty payload")

// zstdEnc and zstdDec are package-level, concurrent-safe codecs.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("zstd: init encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20), // 64 MB
	)
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// Product is the persisted form of a registered product. Model and
// Validator hold the codec payloads exactly as they were registered.
type Product struct {
	Key       int64     `msgpack:"key"`
	Model     []byte    `msgpack:"model"`
	Validator []byte    `msgpack:"validator"`
	Created   time.Time `msgpack:"created"`
}

// EncodeProduct serializes p as header + zstd(msgpack(p)).
func EncodeProduct(p Product) ([]byte, error) {
	if len(p.Model) == 0 || len(p.Validator) == 0 {
		return nil, ErrEmptyPayload
	}
	body, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("marshal product: %w", err)
	}
	hdr := Header{Type: TypeProduct, Version: ProductVersion, Flags: FlagCompressed}.Encode()
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, hdr[:]...)
	return zstdEnc.EncodeAll(body, out), nil
}

// DecodeProduct parses a blob produced by EncodeProduct.
func DecodeProduct(data []byte) (Product, error) {
	h, err := ReadHeader(data, TypeProduct, ProductVersion)
	if err != nil {
		return Product{}, err
	}
	body := data[HeaderSize:]
	if h.Flags&FlagCompressed != 0 {
		body, err = zstdDec.DecodeAll(body, nil)
		if err != nil {
			return Product{}, fmt.Errorf("decompress product: %w", err)
		}
	}
	var p Product
	if err := msgpack.Unmarshal(body, &p); err != nil {
		return Product{}, fmt.Errorf("unmarshal product: %w", err)
	}
	if len(p.Model) == 0 || len(p.Validator) == 0 {
		return Product{}, ErrEmptyPayload
	}
	return p, nil
}
