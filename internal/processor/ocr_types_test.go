package processor

import "testing"

func TestBoundingBoxUnion(t *testing.T) {
	a := BoundingBox{X: 10, Y: 20, Width: 30, Height: 10}
	b := BoundingBox{X: 50, Y: 15, Width: 20, Height: 25}

	u := a.Union(b)

	if u.X != 10 || u.Y != 15 {
		t.Errorf("union origin (%d,%d), want (10,15)", u.X, u.Y)
	}
	if u.Right() != 70 || u.Bottom() != 40 {
		t.Errorf("union extent (%d,%d), want (70,40)", u.Right(), u.Bottom())
	}
	if !u.Contains(a) || !u.Contains(b) {
		t.Error("union does not contain its inputs")
	}
}

func TestBoundingBoxUnionZeroIdentity(t *testing.T) {
	a := BoundingBox{X: 10, Y: 20, Width: 30, Height: 10}
	var zero BoundingBox

	if got := zero.Union(a); got != a {
		t.Errorf("zero ∪ a = %+v, want %+v", got, a)
	}
	if got := a.Union(zero); got != a {
		t.Errorf("a ∪ zero = %+v, want %+v", got, a)
	}
}

func TestBoundingBoxUnionCommutative(t *testing.T) {
	a := BoundingBox{X: 5, Y: 5, Width: 10, Height: 10}
	b := BoundingBox{X: 100, Y: 50, Width: 5, Height: 80}

	if a.Union(b) != b.Union(a) {
		t.Error("union is not commutative")
	}
}

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"4.20", 4.20, true},
		{"£1,234.50", 1234.50, true},
		{"$99.99", 99.99, true},
		{"-5.00", -5.00, true},
		{"12", 12, true},
		{"1O.5O", 10.50, true}, // common OCR digit confusion
		{"WIDGET", 0, false},
		{"", 0, false},
		{"4.203", 0, false},
	}
	for _, c := range cases {
		got, ok := parseMoney(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("parseMoney(%q) = %v,%v want %v,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestParseQuantityRejectsCurrency(t *testing.T) {
	if _, ok := parseQuantity("£12"); ok {
		t.Error("quantity accepted a currency-marked cell")
	}
	if v, ok := parseQuantity("12"); !ok || v != 12 {
		t.Errorf("parseQuantity(12) = %v,%v", v, ok)
	}
	if v, ok := parseQuantity("1.5"); !ok || v != 1.5 {
		t.Errorf("parseQuantity(1.5) = %v,%v", v, ok)
	}
}
