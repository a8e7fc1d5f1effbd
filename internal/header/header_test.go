package header

import (
	"testing"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/txctx"
)

func blockSize() int { return 128 }

// pgEncode seals a pre-built header payload into a pageformat block,
// bypassing EncodeReplica's own payload construction so tests can craft
// deliberately corrupt payloads.
func pgEncode(dst, payload []byte, ct checksum.Type) error {
	return pageformat.Encode(dst, pageformat.Header{Category: pageformat.CategoryFileHeader}, payload, ct)
}

func TestEncodeDecodeReplicaRoundTrip(t *testing.T) {
	h := Header{
		Generation:            5,
		PageCount:             42,
		PBCTHeight:            3,
		PBCTRootID:            txctx.BlockID(7),
		FreeListHead:          txctx.BlockID(9),
		NewestTimestamp:       txctx.Timestamp(1000),
		OldestSyncedTimestamp: txctx.Timestamp(900),
	}
	buf := make([]byte, blockSize())
	if err := EncodeReplica(buf, h, checksum.TypeXXH3); err != nil {
		t.Fatalf("EncodeReplica: %v", err)
	}
	got, err := DecodeReplica(buf, checksum.TypeXXH3)
	if err != nil {
		t.Fatalf("DecodeReplica: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeReplicaBadMagic(t *testing.T) {
	buf := make([]byte, blockSize())
	badPayload := make([]byte, payloadSize)
	encodePayload(badPayload, Header{})
	badPayload[0] ^= 0xFF // corrupt the magic field before sealing

	if err := pgEncode(buf, badPayload, checksum.TypeCRC32C); err != nil {
		t.Fatalf("pgEncode: %v", err)
	}

	if _, err := DecodeReplica(buf, checksum.TypeCRC32C); err != ErrBadMagic {
		t.Errorf("DecodeReplica = %v, want ErrBadMagic", err)
	}
}

func TestSelectWinnerPicksHighestGeneration(t *testing.T) {
	r0 := Header{Generation: 3}
	r1 := Header{Generation: 7}
	r2 := Header{Generation: 5}
	replicas := [ReplicaCount]*Header{&r0, &r1, &r2}

	got, slot, err := SelectWinner(replicas)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if slot != 1 || got.Generation != 7 {
		t.Errorf("SelectWinner = (%+v, %d), want (generation 7, slot 1)", got, slot)
	}
}

func TestSelectWinnerToleratesOneTornReplica(t *testing.T) {
	r1 := Header{Generation: 7}
	replicas := [ReplicaCount]*Header{nil, &r1, nil}

	got, slot, err := SelectWinner(replicas)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if slot != 1 || got.Generation != 7 {
		t.Errorf("SelectWinner = (%+v, %d), want (generation 7, slot 1)", got, slot)
	}
}

func TestSelectWinnerAllTornReturnsError(t *testing.T) {
	replicas := [ReplicaCount]*Header{nil, nil, nil}
	if _, _, err := SelectWinner(replicas); err != ErrNoValidReplica {
		t.Errorf("SelectWinner = %v, want ErrNoValidReplica", err)
	}
}

func TestNextReplicaSlotRotates(t *testing.T) {
	tests := []struct{ won, want int }{
		{0, 1},
		{1, 2},
		{2, 0},
	}
	for _, tt := range tests {
		if got := NextReplicaSlot(tt.won); got != tt.want {
			t.Errorf("NextReplicaSlot(%d) = %d, want %d", tt.won, got, tt.want)
		}
	}
}
