package model

import (
	"encoding/json"
	"testing"
)

func TestField_UnmarshalBothRepresentations(t *testing.T) {
	// легаси: голая строка — значение уже открытое
	var legacy Field
	if err := json.Unmarshal([]byte(`"report.docx"`), &legacy); err != nil {
		t.Fatalf("unmarshal legacy: %v", err)
	}
	if !legacy.IsPlain() || legacy.Plain != "report.docx" {
		t.Fatalf("legacy field parsed wrong: %+v", legacy)
	}

	// современное представление: объект {ciphertext, nonce}
	var enc Field
	raw := `{"ciphertext":"AQID","nonce":"BAUG"}`
	if err := json.Unmarshal([]byte(raw), &enc); err != nil {
		t.Fatalf("unmarshal encrypted: %v", err)
	}
	if enc.IsPlain() || len(enc.Ciphertext) != 3 || len(enc.Nonce) != 3 {
		t.Fatalf("encrypted field parsed wrong: %+v", enc)
	}
}

func TestField_MarshalRoundTrip(t *testing.T) {
	enc := Field{Ciphertext: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6}}
	raw, err := json.Marshal(enc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Field
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.IsPlain() || string(got.Ciphertext) != string(enc.Ciphertext) {
		t.Fatalf("encrypted field changed across round trip")
	}

	plain := PlainField("plain.txt")
	raw, _ = json.Marshal(plain)
	if string(raw) != `"plain.txt"` {
		t.Fatalf("plain field must serialize as bare string, got %s", raw)
	}
}

func TestField_UnmarshalGarbage(t *testing.T) {
	var f Field
	if err := json.Unmarshal([]byte(`42`), &f); err == nil {
		t.Fatalf("number is neither representation, must fail")
	}
}

func TestRecord_DocumentRoundTrip(t *testing.T) {
	folder := "f1"
	r := &FileRecord{
		ID:      "r1",
		OwnerID: "alice",
		Name:    Field{Ciphertext: []byte{1}, Nonce: []byte{2}},
		Size:    PlainField("123"),
		EncryptedKeys: map[string][]byte{
			"alice": {9, 9, 9},
		},
		SharedWith:  []string{"alice"},
		UserFolders: map[string]*string{"alice": &folder},
	}
	doc, err := r.ToDocument()
	if err != nil {
		t.Fatalf("ToDocument: %v", err)
	}
	got, err := RecordFromDocument(doc)
	if err != nil {
		t.Fatalf("RecordFromDocument: %v", err)
	}
	if got.ID != r.ID || got.OwnerID != r.OwnerID {
		t.Fatalf("record identity lost")
	}
	if got.Size.Plain != "123" {
		t.Fatalf("legacy plain size lost: %+v", got.Size)
	}
	if string(got.EncryptedKeys["alice"]) != string(r.EncryptedKeys["alice"]) {
		t.Fatalf("envelope bytes changed in document round trip")
	}
	if got.UserFolders["alice"] == nil || *got.UserFolders["alice"] != "f1" {
		t.Fatalf("folder overlay lost")
	}
}

func TestVersionToken_TracksModification(t *testing.T) {
	r := &FileRecord{ID: "r1"}
	v1 := r.VersionToken()
	r.ModifiedAt = r.ModifiedAt.AddDate(0, 0, 1)
	if r.VersionToken() == v1 {
		t.Fatalf("version token must change with ModifiedAt")
	}
}
