package zeo

// This file turns the opaque argument payloads carried by Frame.Args
// back into the typed values Client's verification and server-call
// handlers operate on. It exists because Codec only promises to
// marshal/unmarshal a flat argument list (spec.md §6); the specific
// shapes below (an invalidation batch, a serialnos list, a blob chunk)
// are this package's concern, not the codec's.

// decodeRegisterReply decodes a register() success reply, which
// carries the server's current Tid, or no Tid at all (spec.md §4.2:
// "or by a follow-up lastTransaction call if registration returned
// none").
func decodeRegisterReply(codec Codec, b []byte) (tid Tid, hasTid bool) {
	var wrapped struct {
		Tid    Tid
		HasTid bool
	}
	if err := codec.DecodeArgs(b, &wrapped); err != nil {
		return 0, false
	}
	return wrapped.Tid, wrapped.HasTid
}

func decodeTid(codec Codec, b []byte) Tid {
	var tid Tid
	_ = codec.DecodeArgs(b, &tid)
	return tid
}

func decodeOidTid(codec Codec, b []byte) (Oid, Tid) {
	var oid Oid
	var tid Tid
	_ = codec.DecodeArgs(b, &oid, &tid)
	return oid, tid
}

// decodeInvalidations decodes a getInvalidations reply, which is
// either (tid, []Oid) on success or a sentinel "too far behind" shape
// the server uses to signal that quick verification is not possible
// (spec.md §4.2's "cache too old, clearing" branch). ok is false in
// the latter case.
func decodeInvalidations(codec Codec, b []byte) (tid Tid, oids []Oid, ok bool) {
	var wrapped struct {
		Tid  Tid
		Oids []Oid
		Ok   bool
	}
	if err := codec.DecodeArgs(b, &wrapped); err != nil {
		return 0, nil, false
	}
	return wrapped.Tid, wrapped.Oids, wrapped.Ok
}

func decodeInvalidateTransaction(codec Codec, b []byte) (Tid, []Oid) {
	var tid Tid
	var oids []Oid
	_ = codec.DecodeArgs(b, &tid, &oids)
	return tid, oids
}

func decodeSerialnos(codec Codec, b []byte) []SerialPair {
	var pairs []SerialPair
	_ = codec.DecodeArgs(b, &pairs)
	return pairs
}

func decodeInfo(codec Codec, b []byte) map[string]interface{} {
	var info map[string]interface{}
	_ = codec.DecodeArgs(b, &info)
	if info == nil {
		info = map[string]interface{}{}
	}
	return info
}

func decodeRevision(codec Codec, b []byte) Revision {
	var rev Revision
	_ = codec.DecodeArgs(b, &rev)
	return rev
}

func decodeBlobChunk(codec Codec, b []byte, bc BlobCodec) (Oid, Tid, []byte) {
	var wrapped struct {
		Oid   Oid
		Tid   Tid
		Chunk []byte
	}
	if err := codec.DecodeArgs(b, &wrapped); err != nil {
		return 0, 0, nil
	}
	out, err := bc.Decompress(nil, wrapped.Chunk)
	if err != nil {
		return wrapped.Oid, wrapped.Tid, wrapped.Chunk
	}
	return wrapped.Oid, wrapped.Tid, out
}
