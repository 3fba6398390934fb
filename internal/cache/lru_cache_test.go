package cache

import (
	"testing"
)

func TestLruCacheOperations(t *testing.T) {
	capacity := 2
	cache := NewLruCache[string, []byte](capacity)

	key1 := "key1"
	val1 := []byte("value1")
	cache.Insert(key1, val1)

	retrievedVal, found := cache.Retrieve(key1)
	if !found {
		t.Errorf("Failed to retrieve inserted key: %s", key1)
	}
	if string(retrievedVal) != string(val1) {
		t.Errorf("Value mismatch. Expected %s, got %s", val1, retrievedVal)
	}

	cache.Insert("key2", []byte("value2"))
	evictedKey, _, evicted := cache.Insert("key3", []byte("value3"))
	if !evicted || evictedKey != key1 {
		t.Errorf("Expected key1 to be evicted, got %q (evicted=%v)", evictedKey, evicted)
	}

	if _, foundKey1 := cache.Retrieve(key1); foundKey1 {
		t.Error("Key1 should have been evicted")
	}
	if _, foundKey3 := cache.Retrieve("key3"); !foundKey3 {
		t.Error("Key3 should be present")
	}
}

func TestLruCacheRemoveAndPurge(t *testing.T) {
	cache := NewLruCache[int, int](4)
	for i := 0; i < 4; i++ {
		cache.Insert(i, i*i)
	}
	if v, ok := cache.Remove(2); !ok || v != 4 {
		t.Fatalf("Remove(2) = %d, %v", v, ok)
	}
	if cache.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", cache.Len())
	}
	cache.Purge()
	if cache.Len() != 0 {
		t.Fatal("purge left entries behind")
	}
}
