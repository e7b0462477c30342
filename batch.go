// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"fmt"
	"strings"
	"time"

	lp "github.com/influxdata/line-protocol"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Batch describes a batch of newline-terminated records in line protocol
// format, all encoded with the same timestamp precision.
//
// NOTE: Line Protocol uses newline-separated records.  Non-empty Batch
// objects always include a terminating newline to simplify combining batches.
type Batch struct {
	// The number of points in the batch
	numPoints int
	// The precision with which timestamps are encoded
	prec time.Duration
	// The line protocol encoding of the batch points
	lpData string
}

// NewBatch creates an empty Batch for points encoded at a given precision.
func NewBatch(prec time.Duration) (*Batch, error) {
	if err := svcInfluxCfg.ValidatePrecision(prec); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrecision, err.Error())
	}
	return &Batch{
		prec: prec,
	}, nil
}

// NewBatchFromLineProtocol creates a Batch from a string of
// newline-separated line protocol records encoded with precision prec.  The
// batch is empty if lpData contains no non-newline runes.
func NewBatchFromLineProtocol(lpData string, prec time.Duration) (*Batch, error) {
	rv, err := NewBatch(prec)
	if err != nil {
		return nil, err
	}
	nr := len(lpData)
	if nr > 0 && lpData[nr-1] != '\n' {
		lpData += "\n"
	}
	rv.lpData = lpData
	rv.countPoints()
	if rv.numPoints == 0 {
		rv.lpData = ""
	}
	return rv, nil
}

// Precision returns the timestamp precision with which the records were
// encoded.
func (b *Batch) Precision() time.Duration {
	return b.prec
}

// Empty indicates that the batch encodes no points.
func (b *Batch) Empty() bool {
	return b.lpData == ""
}

// NumPoints returns the number of records in the batch.
func (b *Batch) NumPoints() int {
	return b.numPoints
}

// LPData returns the line protocol data held by the batch.
func (b *Batch) LPData() string {
	return b.lpData
}

// Lines returns the records of the batch without their terminators.
func (b *Batch) Lines() []string {
	rv := make([]string, 0, b.numPoints)
	for _, l := range strings.Split(b.lpData, "\n") {
		if l != "" {
			rv = append(rv, l)
		}
	}
	return rv
}

// countPoints sets numPoints to the number of non-empty substrings that are
// separated by newlines and the string bounds.
func (b *Batch) countPoints() int {
	s := b.lpData
	si := 0
	ei := len(s)
	n := 0
	for si < ei {
		// skip leading newlines
		for ; si < ei && s[si] == '\n'; si++ {
		}
		if si == ei {
			break
		}
		// find next separating newline or end
		for si++; si < ei && s[si] != '\n'; si++ {
		}
		n++
		si++
	}
	b.numPoints = n
	return n
}

// Merge appends the records of batch to the receiver.
//
// An error will be returned if the precision of records in the receiver is
// different from the precision of the records in the batch to merge.
func (b *Batch) Merge(batch *Batch) error {
	if b.prec != batch.prec {
		return fmt.Errorf("%w: %v vs %v", ErrIncompatibleBatch,
			b.prec, batch.prec)
	}
	if n := len(batch.lpData); n > 0 && batch.lpData[n-1] != '\n' {
		panic(makeErrorBatch(ErrBatchNotTerminated, batch))
	}
	b.numPoints += batch.numPoints
	b.lpData += batch.lpData
	return nil
}

// clone returns an independent copy of the batch.
func (b *Batch) clone() *Batch {
	rv := *b
	return &rv
}

func makeEncoder(sb *strings.Builder, prec time.Duration) *lp.Encoder {
	enc := lp.NewEncoder(sb)
	enc.SetFieldTypeSupport(lp.UintSupport)
	enc.SetPrecision(prec)
	enc.FailOnFieldErr(true)
	return enc
}

// encodeBatch returns a batch holding the encoding of pts at precision prec.
// Nothing is returned if any point cannot be encoded.
func encodeBatch(prec time.Duration, pts ...*Point) (*Batch, error) {
	rv, err := NewBatch(prec)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	enc := makeEncoder(&sb, prec)
	for _, pt := range pts {
		m, err := pt.metric()
		if err != nil {
			return nil, err
		}
		if _, err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrPoint, pt.Measurement, err.Error())
		}
	}
	rv.lpData = sb.String()
	rv.countPoints()
	return rv, nil
}
