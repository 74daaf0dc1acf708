package keyvault

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// BlobVersion is bumped whenever the record layout changes. Older versions
// must stay decodable.
const BlobVersion uint8 = 1

var blobMagic = [2]byte{'S', 'K'}

const maxCiphertextLen = 4096

// Blob is the self-describing record persisted per wallet:
//
//	magic(2) version(1) kdf(1) cost1..3(3x u32le) cipher(1)
//	salt_len(1) salt nonce_len(1) nonce tag_len(1) tag ct_len(u32le) ciphertext
type Blob struct {
	Version    uint8
	KDF        KDFParams
	Cipher     CipherAlgorithm
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

func (b Blob) MarshalBinary() ([]byte, error) {
	if len(b.Salt) > 255 || len(b.Nonce) > 255 || len(b.Tag) > 255 {
		return nil, fmt.Errorf("%w: field too long", ErrMalformedBlob)
	}
	if len(b.Ciphertext) > maxCiphertextLen {
		return nil, fmt.Errorf("%w: ciphertext too long", ErrMalformedBlob)
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)

	steps := []func() error{
		func() error { return enc.WriteBytes(blobMagic[:], false) },
		func() error { return enc.WriteUint8(b.Version) },
		func() error { return enc.WriteUint8(uint8(b.KDF.Algorithm)) },
		func() error { return enc.WriteUint32(b.KDF.Cost1, binary.LittleEndian) },
		func() error { return enc.WriteUint32(b.KDF.Cost2, binary.LittleEndian) },
		func() error { return enc.WriteUint32(b.KDF.Cost3, binary.LittleEndian) },
		func() error { return enc.WriteUint8(uint8(b.Cipher)) },
		func() error { return writeShort(enc, b.Salt) },
		func() error { return writeShort(enc, b.Nonce) },
		func() error { return writeShort(enc, b.Tag) },
		func() error { return enc.WriteUint32(uint32(len(b.Ciphertext)), binary.LittleEndian) },
		func() error { return enc.WriteBytes(b.Ciphertext, false) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("encode key blob: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func writeShort(enc *bin.Encoder, field []byte) error {
	if err := enc.WriteUint8(uint8(len(field))); err != nil {
		return err
	}
	return enc.WriteBytes(field, false)
}

// UnmarshalBinary never panics on hostile input. Any structural problem is
// reported as ErrMalformedBlob.
func (b *Blob) UnmarshalBinary(data []byte) error {
	dec := bin.NewBinDecoder(data)

	magic, err := dec.ReadNBytes(len(blobMagic))
	if err != nil || !bytes.Equal(magic, blobMagic[:]) {
		return fmt.Errorf("%w: bad magic", ErrMalformedBlob)
	}

	var out Blob
	if out.Version, err = dec.ReadUint8(); err != nil {
		return malformed(err)
	}
	if out.Version != BlobVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedBlob, out.Version)
	}

	kdf, err := dec.ReadUint8()
	if err != nil {
		return malformed(err)
	}
	out.KDF.Algorithm = KDFAlgorithm(kdf)
	for _, slot := range []*uint32{&out.KDF.Cost1, &out.KDF.Cost2, &out.KDF.Cost3} {
		if *slot, err = dec.ReadUint32(binary.LittleEndian); err != nil {
			return malformed(err)
		}
	}
	if err = out.KDF.validate(); err != nil {
		return malformed(err)
	}

	c, err := dec.ReadUint8()
	if err != nil {
		return malformed(err)
	}
	out.Cipher = CipherAlgorithm(c)
	if out.Cipher != CipherAES256GCM && out.Cipher != CipherXChaCha20Poly1305 {
		return fmt.Errorf("%w: unsupported %s", ErrMalformedBlob, out.Cipher)
	}

	if out.Salt, err = readShort(dec); err != nil {
		return malformed(err)
	}
	if out.Nonce, err = readShort(dec); err != nil {
		return malformed(err)
	}
	if out.Tag, err = readShort(dec); err != nil {
		return malformed(err)
	}

	ctLen, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return malformed(err)
	}
	if ctLen > maxCiphertextLen {
		return fmt.Errorf("%w: ciphertext length %d", ErrMalformedBlob, ctLen)
	}
	ct, err := dec.ReadNBytes(int(ctLen))
	if err != nil {
		return malformed(err)
	}
	out.Ciphertext = bytes.Clone(ct)

	if dec.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedBlob, dec.Remaining())
	}
	if len(out.Salt) < 8 || len(out.Nonce) != nonceSize(out.Cipher) || len(out.Tag) != tagLen {
		return fmt.Errorf("%w: bad salt, nonce or tag length", ErrMalformedBlob)
	}

	*b = out
	return nil
}

func readShort(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	field, err := dec.ReadNBytes(int(n))
	if err != nil {
		return nil, err
	}
	return bytes.Clone(field), nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedBlob, err)
}

// Algorithm is the tag stored next to the blob in the wallets table.
func (b Blob) Algorithm() string {
	return b.KDF.Algorithm.String() + "+" + b.Cipher.String()
}

// header is authenticated as associated data so the parameters cannot be
// swapped without failing the tag check.
func (b Blob) header() []byte {
	h := make([]byte, 0, 17)
	h = append(h, blobMagic[:]...)
	h = append(h, b.Version, uint8(b.KDF.Algorithm))
	h = binary.LittleEndian.AppendUint32(h, b.KDF.Cost1)
	h = binary.LittleEndian.AppendUint32(h, b.KDF.Cost2)
	h = binary.LittleEndian.AppendUint32(h, b.KDF.Cost3)
	return append(h, uint8(b.Cipher))
}
