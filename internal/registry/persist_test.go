package registry

import "testing"

func TestStoreSaveListDelete(t *testing.T) {
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	rec := EndpointRecord{Topic: "lidar/front", Domain: 0, ShmemID: 7, IsSub: false, ItemSize: 64, RingSize: 8}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.ListByTopic("lidar/front")
	if err != nil {
		t.Fatalf("ListByTopic: %v", err)
	}
	if len(got) != 1 || got[0].ShmemID != 7 {
		t.Fatalf("expected one record with ShmemID 7, got %+v", got)
	}

	if err := s.Delete("lidar/front", 0, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = s.ListByTopic("lidar/front")
	if err != nil {
		t.Fatalf("ListByTopic after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records after delete, got %+v", got)
	}
}

func TestStoreListByTopicIgnoresOtherTopics(t *testing.T) {
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	_ = s.Save(EndpointRecord{Topic: "a", Domain: 0, ShmemID: 1})
	_ = s.Save(EndpointRecord{Topic: "ab", Domain: 0, ShmemID: 2})

	got, err := s.ListByTopic("a")
	if err != nil {
		t.Fatalf("ListByTopic: %v", err)
	}
	if len(got) != 1 || got[0].ShmemID != 1 {
		t.Fatalf("expected only topic \"a\"'s record, got %+v", got)
	}
}
