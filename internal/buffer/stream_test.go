package buffer

import "testing"

func TestWriteReadRoundtrip(t *testing.T) {
	s := New(8)
	if s.WriteCapacity() != 8 {
		t.Fatalf("write capacity = %d, want 8", s.WriteCapacity())
	}

	n := copy(s.WritePtr(), []byte("abcd"))
	if err := s.CommitWrite(n); err != nil {
		t.Fatalf("CommitWrite: %v", err)
	}
	if s.ReadAvailable() != 4 {
		t.Fatalf("ReadAvailable = %d, want 4", s.ReadAvailable())
	}
	if got := string(s.ReadPtr()); got != "abcd" {
		t.Fatalf("ReadPtr = %q, want %q", got, "abcd")
	}

	if err := s.CommitRead(2); err != nil {
		t.Fatalf("CommitRead: %v", err)
	}
	if got := string(s.ReadPtr()); got != "cd" {
		t.Fatalf("ReadPtr after partial read = %q, want %q", got, "cd")
	}
	if s.WriteCapacity() != 6 {
		t.Fatalf("WriteCapacity after CommitRead = %d, want 6", s.WriteCapacity())
	}
}

func TestCommitWriteOverflowFails(t *testing.T) {
	s := New(4)
	if err := s.CommitWrite(5); err == nil {
		t.Fatal("expected error committing write larger than capacity")
	}
}

func TestCommitReadOverflowFails(t *testing.T) {
	s := New(4)
	s.Append([]byte("ab"))
	if err := s.CommitRead(3); err == nil {
		t.Fatal("expected error committing read larger than available")
	}
}

func TestAppendFillsAndFailsWhenFull(t *testing.T) {
	s := New(4)
	if err := s.Append([]byte("abcd")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append([]byte("e")); err == nil {
		t.Fatal("expected error appending to a full buffer")
	}
}

func TestClearResetsWithoutReallocating(t *testing.T) {
	s := New(4)
	s.Append([]byte("ab"))
	backing := &s.data[0]
	s.Clear()
	if s.ReadAvailable() != 0 {
		t.Fatalf("ReadAvailable after Clear = %d, want 0", s.ReadAvailable())
	}
	if &s.data[0] != backing {
		t.Fatal("Clear reallocated the backing array")
	}
}

func TestCommitReadShiftsRemainderToFront(t *testing.T) {
	s := New(16)
	s.Append([]byte("0123456789"))
	s.CommitRead(3)
	n := copy(s.WritePtr(), []byte("XY"))
	s.CommitWrite(n)
	if got := string(s.ReadPtr()); got != "3456789XY" {
		t.Fatalf("ReadPtr = %q, want %q", got, "3456789XY")
	}
}
