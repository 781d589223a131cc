package sanitizer

import (
	"strings"
	"testing"
)

func BenchmarkValidate(b *testing.B) {
	s := New(nil)

	programs := []struct {
		name string
		code string
	}{
		{"hello", "print('Hello, World!')"},
		{"rejected", "import os\nos.system('id')\neval(input())"},
		{"long", strings.Repeat("x = [i * i for i in range(10)]\nprint(sum(x))\n", 200)},
	}

	for _, p := range programs {
		b.Run(p.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				s.Validate(p.code)
			}
		})
	}
}

func BenchmarkValidateText(b *testing.B) {
	s := New(nil)
	text := strings.Repeat("The loop runs n times so it is O(n). ", 50)
	for i := 0; i < b.N; i++ {
		s.ValidateText(text)
	}
}
