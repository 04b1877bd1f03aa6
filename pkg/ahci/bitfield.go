// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the bitfield handling for register snapshots and DMA structures.
// Code largely leveraged from go lang's "encoding/binary" library,
// which enables field parsing at Byte level. This file extends the
// capacity into bit level so AHCI registers can be described field by field.

package ahci

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"k8s.io/klog/v2"
)

type bitfield_1b uint8
type bitfield_2b uint8
type bitfield_3b uint8
type bitfield_4b uint8
type bitfield_5b uint8
type bitfield_8b uint8
type bitfield_9b uint16
type bitfield_16b uint16
type bitfield_20b uint32
type bitfield_22b uint32

// bit width of each bitfield type
var bitfieldWidth = map[reflect.Type]int{
	reflect.TypeOf(bitfield_1b(0)):  1,
	reflect.TypeOf(bitfield_2b(0)):  2,
	reflect.TypeOf(bitfield_3b(0)):  3,
	reflect.TypeOf(bitfield_4b(0)):  4,
	reflect.TypeOf(bitfield_5b(0)):  5,
	reflect.TypeOf(bitfield_8b(0)):  8,
	reflect.TypeOf(bitfield_9b(0)):  9,
	reflect.TypeOf(bitfield_16b(0)): 16,
	reflect.TypeOf(bitfield_20b(0)): 20,
	reflect.TypeOf(bitfield_22b(0)): 22,
}

// dataSize returns the number of bytes the decoded value represented by v occupies in memory.
// For compound structures, it sums the sizes of the elements. If the type of v is
// not acceptable, dataSize returns -1.
func dataSize(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 { // deal with empty slice
			return 0
		}
		if s := dataSize(v.Index(0)); s >= 0 {
			return s * v.Len()
		}
		return -1

	case reflect.Struct:
		sum := 0
		for i, n := 0, v.NumField(); i < n; i++ {
			s := dataSize(v.Field(i))
			if s < 0 {
				return -1
			}
			sum += s
		}
		return sum

	case reflect.Bool, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(v.Type().Size())
	}
	return -1
}

// BitFieldRead decodes the little endian bytes in src into data.
// Data must be a pointer to a fixed-size value or a slice of fixed-size values.
// Fields typed bitfield_Nb consume N bits, every other integer consumes its
// natural size. Blank (_) fields are skipped.
func BitFieldRead(src []byte, data any) error {
	v := reflect.ValueOf(data)
	size := -1
	switch v.Kind() {
	case reflect.Pointer:
		v = v.Elem()
		size = dataSize(v)
	case reflect.Slice:
		size = dataSize(v)
	}
	if size < 0 {
		return fmt.Errorf("bitfield.BitFieldRead: invalid type %s", reflect.TypeOf(data).String())
	}
	widths := bitSizeOfArray(v)

	d := &decoder{order: binary.LittleEndian, buf: make([]byte, size)}
	if err := ReadByBit(src, d.buf, widths); err != nil {
		return err
	}
	d.value(v)
	return nil
}

// ReadByBit unpacks consecutive fields of the given bit widths from src into
// buf, each one widened to its whole number of bytes. Bits past the end of
// src read as zero.
func ReadByBit(src []byte, buf []byte, widths []int) error {
	bitOfs := 0
	i := 0
	for _, width := range widths {
		if width < 1 || width > 64 {
			return fmt.Errorf("bitfield.ReadByBit: unsupported width %d", width)
		}
		endBit := bitOfs + width - 1
		startByte := bitOfs >> 3
		endByte := endBit >> 3
		bitShift := bitOfs - startByte*8
		if endByte-startByte >= 8 && bitShift != 0 {
			return fmt.Errorf("bitfield.ReadByBit: unaligned %d bit field at bit %d", width, bitOfs)
		}

		// extract related field into a uint64, and then apply the shift and mask
		val := uint64(0)
		for iShift := 0; iShift <= endByte-startByte && iShift < 8; iShift++ {
			if startByte+iShift < len(src) {
				val |= uint64(src[startByte+iShift]) << (8 * iShift)
			}
		}
		val >>= uint64(bitShift)
		if width < 64 {
			val &= (1 << width) - 1
		}

		dataByteSize := storageBytes(width)
		for iShift := 0; iShift < dataByteSize; iShift++ {
			buf[i+iShift] = byte(val >> (8 * iShift))
		}
		klog.V(DBG_LVL_DEEP_DETAIL).InfoS("bitfield.ReadByBit", "bitOfs", bitOfs, "bitWidth", width, "val", hex(val))
		i += dataByteSize
		bitOfs += width
	}
	return nil
}

// storageBytes is the size of the smallest unsigned integer holding width bits
func storageBytes(width int) int {
	switch {
	case width <= 8:
		return 1
	case width <= 16:
		return 2
	case width <= 32:
		return 4
	}
	return 8
}

// bitSizeOfArray returns the bit width of each field in declaration order
func bitSizeOfArray(v reflect.Value) []int {
	t := v.Type()
	if w, ok := bitfieldWidth[t]; ok {
		return []int{w}
	}

	switch t.Kind() {
	case reflect.Array, reflect.Slice:
		widths := []int{}
		if v.Len() != 0 {
			s := bitSizeOfArray(v.Index(0))
			for i, n := 0, v.Len(); i < n; i++ {
				widths = append(widths, s...)
			}
		}
		return widths
	case reflect.Struct:
		widths := []int{}
		for i, n := 0, t.NumField(); i < n; i++ {
			widths = append(widths, bitSizeOfArray(v.Field(i))...)
		}
		return widths

	case reflect.Bool, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return []int{int(t.Size()) * 8}
	}
	klog.V(DBG_LVL_INFO).InfoS("bitfield.bitSizeOfArray error", "kind", t.Kind().String())

	return []int{}
}

// parseStruct decodes b into a copy of s. A decode failure is logged and the
// zero value of s is returned.
func parseStruct[T any](b []byte, s T) T {
	newStruct := s
	if err := BitFieldRead(b, &newStruct); err != nil {
		klog.ErrorS(err, "bitfield.parseStruct")
		var zero T
		return zero
	}
	return newStruct
}

// regStruct decodes one 32-bit register value into s.
func regStruct[T any](val uint32, s T) T {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return parseStruct(b[:], s)
}

type decoder struct {
	order  binary.ByteOrder
	buf    []byte
	offset int
}

func (d *decoder) bool() bool {
	x := d.buf[d.offset]
	d.offset++
	return x != 0
}

func (d *decoder) uint8() uint8 {
	x := d.buf[d.offset]
	d.offset++
	return x
}

func (d *decoder) uint16() uint16 {
	x := d.order.Uint16(d.buf[d.offset : d.offset+2])
	d.offset += 2
	return x
}

func (d *decoder) uint32() uint32 {
	x := d.order.Uint32(d.buf[d.offset : d.offset+4])
	d.offset += 4
	return x
}

func (d *decoder) uint64() uint64 {
	x := d.order.Uint64(d.buf[d.offset : d.offset+8])
	d.offset += 8
	return x
}

func (d *decoder) value(v reflect.Value) {
	switch v.Kind() {
	case reflect.Array, reflect.Slice:
		for i, l := 0, v.Len(); i < l; i++ {
			d.value(v.Index(i))
		}

	case reflect.Struct:
		t := v.Type()
		for i, l := 0, v.NumField(); i < l; i++ {
			if f := v.Field(i); f.CanSet() && t.Field(i).Name != "_" {
				d.value(f)
			} else {
				d.skip(f)
			}
		}

	case reflect.Bool:
		v.SetBool(d.bool())
	case reflect.Uint8:
		v.SetUint(uint64(d.uint8()))
	case reflect.Uint16:
		v.SetUint(uint64(d.uint16()))
	case reflect.Uint32:
		v.SetUint(uint64(d.uint32()))
	case reflect.Uint64:
		v.SetUint(d.uint64())
	}
}

func (d *decoder) skip(v reflect.Value) {
	d.offset += dataSize(v)
}
