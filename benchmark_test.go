package veritas

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/match"
)

func BenchmarkParseScenarioJSON(b *testing.B) {
	data := []byte(jsonScenario)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseScenario(data, "json"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseScenarioYAML(b *testing.B) {
	data := []byte(yamlScenario)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseScenario(data, "yaml"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkValueMatch(b *testing.B) {
	expected, err := bson.Marshal(bson.D{
		{Key: "insertedId", Value: int64(2)},
		{Key: "acknowledged", Value: bson.D{{Key: "$$exists", Value: true}}},
	})
	if err != nil {
		b.Fatal(err)
	}
	actual, err := bson.Marshal(bson.D{
		{Key: "insertedId", Value: int64(2)},
		{Key: "acknowledged", Value: true},
	})
	if err != nil {
		b.Fatal(err)
	}

	matcher := match.NewValueMatcher(nil, match.NewAssertionContext())
	expVal := bson.RawValue{Type: bson.TypeEmbeddedDocument, Value: expected}
	actVal := bson.RawValue{Type: bson.TypeEmbeddedDocument, Value: actual}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := matcher.Match(expVal, actVal); err != nil {
			b.Fatal(err)
		}
	}
}
