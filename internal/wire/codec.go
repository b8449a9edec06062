package wire

import (
	"strconv"
)

// --------------------------------------------------------------------------
// Request
// --------------------------------------------------------------------------

// PrepareRequest serializes a Request to its wire form (see spec §6.2).
func PrepareRequest(r Request) []byte {
	buf := make([]byte, 0, 32+len(r.Key))
	buf = append(buf, r.Topic...)
	buf = append(buf, ' ')
	buf = append(buf, r.Kind.String()...)
	buf = append(buf, ' ')
	switch r.Kind {
	case ReqLookup, ReqHasKey:
		buf = strconv.AppendInt(buf, int64(len(r.Key)), 10)
		buf = append(buf, ' ')
		buf = append(buf, r.Key...)
	case ReqSize, ReqSnapshot:
		// trailing space only, no further fields
	}
	return buf
}

// ParseRequest decodes a Request from its wire form.
func ParseRequest(line []byte) (Request, error) {
	c := newCursor(line)

	topic, ok := c.token()
	if !ok {
		return Request{}, errMalformed()
	}
	kindTok, ok := c.token()
	if !ok {
		return Request{}, errMalformed()
	}

	r := Request{Topic: string(topic)}

	switch string(kindTok) {
	case "LOOKUP", "HASKEY":
		if string(kindTok) == "LOOKUP" {
			r.Kind = ReqLookup
		} else {
			r.Kind = ReqHasKey
		}
		klenTok, ok := c.token()
		if !ok {
			return Request{}, errMalformed()
		}
		klen, err := strconv.Atoi(string(klenTok))
		if err != nil || klen < 0 {
			return Request{}, errMalformed()
		}
		key, ok := c.takeN(klen)
		if !ok || !c.atEnd() {
			return Request{}, errMalformed()
		}
		r.Key = key
	case "SIZE":
		r.Kind = ReqSize
		if !c.atEnd() {
			return Request{}, errMalformed()
		}
	case "SNAPSHOT":
		r.Kind = ReqSnapshot
		if !c.atEnd() {
			return Request{}, errMalformed()
		}
	default:
		return Request{}, errMalformed()
	}

	return r, nil
}

// --------------------------------------------------------------------------
// Response
// --------------------------------------------------------------------------

// PrepareResponse serializes a Response to its wire form.
func PrepareResponse(r Response) []byte {
	buf := make([]byte, 0, 32)
	switch r.Kind {
	case RespLookup:
		buf = append(buf, "LOOKUP "...)
		if r.LookupLoaded {
			buf = strconv.AppendInt(buf, r.LookupValue, 10)
		}
	case RespHasKey:
		buf = append(buf, "HASKEY "...)
		if r.HasKey {
			buf = append(buf, '1')
		} else {
			buf = append(buf, '0')
		}
	case RespSize:
		buf = append(buf, "SIZE "...)
		buf = strconv.AppendUint(buf, r.Size, 10)
	case RespSnapshot:
		buf = append(buf, "SNAPSHOT "...)
		buf = strconv.AppendUint(buf, r.SnapshotSeq, 10)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(len(r.SnapshotEntries)), 10)
		for _, e := range r.SnapshotEntries {
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(len(e.Key)), 10)
			buf = append(buf, ' ')
			buf = append(buf, e.Key...)
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, e.Value, 10)
		}
	case RespInvalid:
		buf = append(buf, "INVALID "...)
		buf = append(buf, r.InvalidReason...)
	}
	return buf
}

// ParseResponse decodes a Response from its wire form.
func ParseResponse(line []byte) (Response, error) {
	c := newCursor(line)

	kindTok, ok := c.token()
	if !ok {
		return Response{}, errMalformed()
	}

	switch string(kindTok) {
	case "LOOKUP":
		rest := c.remaining()
		if len(rest) == 0 {
			return Response{Kind: RespLookup}, nil
		}
		v, err := strconv.ParseInt(string(rest), 10, 64)
		if err != nil {
			return Response{}, errMalformed()
		}
		return Response{Kind: RespLookup, LookupValue: v, LookupLoaded: true}, nil

	case "HASKEY":
		tok, ok := c.token()
		if !ok || !c.atEnd() {
			return Response{}, errMalformed()
		}
		switch string(tok) {
		case "0":
			return Response{Kind: RespHasKey, HasKey: false}, nil
		case "1":
			return Response{Kind: RespHasKey, HasKey: true}, nil
		default:
			return Response{}, errMalformed()
		}

	case "SIZE":
		rest := c.remaining()
		n, err := strconv.ParseUint(string(rest), 10, 64)
		if err != nil {
			return Response{}, errMalformed()
		}
		return Response{Kind: RespSize, Size: n}, nil

	case "SNAPSHOT":
		seqTok, ok := c.token()
		if !ok {
			return Response{}, errMalformed()
		}
		seq, err := strconv.ParseUint(string(seqTok), 10, 64)
		if err != nil {
			return Response{}, errMalformed()
		}
		countTok, ok := c.token()
		if !ok {
			return Response{}, errMalformed()
		}
		count, err := strconv.Atoi(string(countTok))
		if err != nil || count < 0 {
			return Response{}, errMalformed()
		}

		entries := make([]Entry, 0, count)
		for i := 0; i < count; i++ {
			klenTok, ok := c.token()
			if !ok {
				return Response{}, errMalformed()
			}
			klen, err := strconv.Atoi(string(klenTok))
			if err != nil || klen < 0 {
				return Response{}, errMalformed()
			}
			key, ok := c.takeN(klen)
			if !ok {
				return Response{}, errMalformed()
			}
			if !c.skipSpace() {
				return Response{}, errMalformed()
			}
			var valTok []byte
			if i == count-1 {
				valTok = c.remaining()
				c.pos = len(c.buf)
			} else {
				valTok, ok = c.token()
				if !ok {
					return Response{}, errMalformed()
				}
			}
			val, err := strconv.ParseInt(string(valTok), 10, 64)
			if err != nil {
				return Response{}, errMalformed()
			}
			entries = append(entries, Entry{Key: key, Value: val})
		}
		if !c.atEnd() {
			return Response{}, errMalformed()
		}
		return Response{Kind: RespSnapshot, SnapshotSeq: seq, SnapshotEntries: entries}, nil

	case "INVALID":
		return Response{Kind: RespInvalid, InvalidReason: string(c.remaining())}, nil

	default:
		return Response{}, errUnknownKind()
	}
}

// --------------------------------------------------------------------------
// Publication
// --------------------------------------------------------------------------

// PreparePublication serializes a Publication to its wire form.
func PreparePublication(p Publication) []byte {
	buf := make([]byte, 0, 32+len(p.Key))
	buf = append(buf, p.Topic...)
	buf = append(buf, ' ')
	switch p.Kind {
	case PubValUpdate:
		buf = append(buf, "UPDATE "...)
		buf = strconv.AppendUint(buf, p.Seq, 10)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(len(p.Key)), 10)
		buf = append(buf, ' ')
		buf = append(buf, p.Key...)
		if p.ValuePresent {
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, p.Value, 10)
		}
	case PubClear:
		buf = append(buf, "CLEAR "...)
		buf = strconv.AppendUint(buf, p.Seq, 10)
	}
	return buf
}

// ParsePublication decodes a Publication from its wire form.
func ParsePublication(line []byte) (Publication, error) {
	c := newCursor(line)

	topic, ok := c.token()
	if !ok {
		return Publication{}, errMalformed()
	}
	kindTok, ok := c.token()
	if !ok {
		return Publication{}, errMalformed()
	}

	switch string(kindTok) {
	case "UPDATE":
		seqTok, ok := c.token()
		if !ok {
			return Publication{}, errMalformed()
		}
		seq, err := strconv.ParseUint(string(seqTok), 10, 64)
		if err != nil {
			return Publication{}, errMalformed()
		}
		klenTok, ok := c.token()
		if !ok {
			return Publication{}, errMalformed()
		}
		klen, err := strconv.Atoi(string(klenTok))
		if err != nil || klen < 0 {
			return Publication{}, errMalformed()
		}
		key, ok := c.takeN(klen)
		if !ok {
			return Publication{}, errMalformed()
		}
		p := Publication{Topic: string(topic), Kind: PubValUpdate, Seq: seq, Key: key}
		if c.atEnd() {
			return p, nil
		}
		if !c.skipSpace() {
			return Publication{}, errMalformed()
		}
		val, err := strconv.ParseInt(string(c.remaining()), 10, 64)
		if err != nil {
			return Publication{}, errMalformed()
		}
		p.Value = val
		p.ValuePresent = true
		return p, nil

	case "CLEAR":
		seqTok, ok := c.token()
		if !ok || !c.atEnd() {
			return Publication{}, errMalformed()
		}
		seq, err := strconv.ParseUint(string(seqTok), 10, 64)
		if err != nil {
			return Publication{}, errMalformed()
		}
		return Publication{Topic: string(topic), Kind: PubClear, Seq: seq}, nil

	default:
		return Publication{}, errUnknownKind()
	}
}

// --------------------------------------------------------------------------
// Update
// --------------------------------------------------------------------------

// PrepareUpdate serializes an Update to its wire form.
func PrepareUpdate(u Update) []byte {
	buf := make([]byte, 0, 32+len(u.Key))
	buf = append(buf, u.Topic...)
	buf = append(buf, ' ')
	switch u.Kind {
	case UpdInsert:
		buf = append(buf, "INSERT "...)
		buf = strconv.AppendInt(buf, int64(len(u.Key)), 10)
		buf = append(buf, ' ')
		buf = append(buf, u.Key...)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, u.Value, 10)
	case UpdRemove:
		buf = append(buf, "REMOVE "...)
		buf = strconv.AppendInt(buf, int64(len(u.Key)), 10)
		buf = append(buf, ' ')
		buf = append(buf, u.Key...)
	case UpdIncrement:
		buf = append(buf, "+= "...)
		buf = strconv.AppendInt(buf, int64(len(u.Key)), 10)
		buf = append(buf, ' ')
		buf = append(buf, u.Key...)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, u.Delta, 10)
	case UpdDecrement:
		buf = append(buf, "-= "...)
		buf = strconv.AppendInt(buf, int64(len(u.Key)), 10)
		buf = append(buf, ' ')
		buf = append(buf, u.Key...)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, u.Delta, 10)
	case UpdClear:
		buf = append(buf, "CLEAR"...)
	}
	return buf
}

// ParseUpdate decodes an Update from its wire form.
func ParseUpdate(line []byte) (Update, error) {
	c := newCursor(line)

	topic, ok := c.token()
	if !ok {
		return Update{}, errMalformed()
	}
	kindTok, ok := c.token()
	if !ok {
		return Update{}, errMalformed()
	}

	u := Update{Topic: string(topic)}

	readKeyedField := func() ([]byte, error) {
		klenTok, ok := c.token()
		if !ok {
			return nil, errMalformed()
		}
		klen, err := strconv.Atoi(string(klenTok))
		if err != nil || klen < 0 {
			return nil, errMalformed()
		}
		key, ok := c.takeN(klen)
		if !ok {
			return nil, errMalformed()
		}
		return key, nil
	}

	switch string(kindTok) {
	case "INSERT":
		key, err := readKeyedField()
		if err != nil {
			return Update{}, err
		}
		if !c.skipSpace() {
			return Update{}, errMalformed()
		}
		val, err := strconv.ParseInt(string(c.remaining()), 10, 64)
		if err != nil {
			return Update{}, errMalformed()
		}
		u.Kind = UpdInsert
		u.Key = key
		u.Value = val

	case "REMOVE":
		key, err := readKeyedField()
		if err != nil {
			return Update{}, err
		}
		if !c.atEnd() {
			return Update{}, errMalformed()
		}
		u.Kind = UpdRemove
		u.Key = key

	case "+=", "-=":
		key, err := readKeyedField()
		if err != nil {
			return Update{}, err
		}
		if !c.skipSpace() {
			return Update{}, errMalformed()
		}
		delta, err := strconv.ParseInt(string(c.remaining()), 10, 64)
		if err != nil {
			return Update{}, errMalformed()
		}
		if string(kindTok) == "+=" {
			u.Kind = UpdIncrement
		} else {
			u.Kind = UpdDecrement
		}
		u.Key = key
		u.Delta = delta

	case "CLEAR":
		if !c.atEnd() {
			return Update{}, errMalformed()
		}
		u.Kind = UpdClear

	default:
		return Update{}, errUnknownKind()
	}

	return u, nil
}
