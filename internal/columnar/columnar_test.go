package columnar

import "testing"

func schema() Schema {
	return Schema{Columns: []ColumnDef{
		{Name: "id", Type: Int64},
		{Name: "name", Type: String},
		{Name: "score", Type: Float64},
	}}
}

func TestInsertAndQuery(t *testing.T) {
	s := New()
	if err := s.CreateTable("users", schema()); err != nil {
		t.Fatal(err)
	}
	rows := []Row{
		{"id": int64(1), "name": "a", "score": 1.5},
		{"id": int64(2), "name": "b", "score": 2.5},
		{"id": int64(3), "name": "c", "score": nil},
	}
	if err := s.InsertRows("users", rows); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query("users", &Filter{Column: "id", Op: Gte, Value: int64(2)}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 rows, got %d", len(got))
	}

	got, err = s.Query("users", nil, &SortSpec{Column: "id", Desc: true}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0]["id"].(int64) != 3 {
		t.Fatalf("unexpected sorted/limited result: %+v", got)
	}
}

func TestAggregateSumCountRLE(t *testing.T) {
	s := New()
	if err := s.CreateTable("t", Schema{Columns: []ColumnDef{{Name: "v", Type: Int64}}}); err != nil {
		t.Fatal(err)
	}
	var rows []Row
	for i := 0; i < 10; i++ {
		rows = append(rows, Row{"v": int64(7)})
	}
	if err := s.InsertRows("t", rows); err != nil {
		t.Fatal(err)
	}
	sum, err := s.Aggregate("t", "v", AggSum)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 70 {
		t.Fatalf("want sum 70, got %v", sum)
	}
	cnt, err := s.Aggregate("t", "v", AggCount)
	if err != nil {
		t.Fatal(err)
	}
	if cnt != 10 {
		t.Fatalf("want count 10, got %v", cnt)
	}
}

func TestSealAndRLEEncoding(t *testing.T) {
	c := newColumn(ColumnDef{Name: "v", Type: Int64})
	for i := 0; i < sealThreshold; i++ {
		if err := c.append(int64(42)); err != nil {
			t.Fatal(err)
		}
	}
	ch := c.chunks[0]
	if !ch.sealed {
		t.Fatal("chunk should be sealed at threshold")
	}
	if ch.rle == nil {
		t.Fatal("constant column should compress via RLE")
	}
	if len(ch.rle) != 1 || ch.rle[0].count != sealThreshold {
		t.Fatalf("unexpected RLE encoding: %+v", ch.rle)
	}
}

func TestCreateIndexUnknownColumn(t *testing.T) {
	s := New()
	if err := s.CreateTable("t", schema()); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateIndex("t", "nope", IndexHash); err == nil {
		t.Fatal("expected error for unknown column")
	}
}
