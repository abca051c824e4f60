package compress

import (
	"fmt"
	"testing"
)

func BenchmarkOperators_SetData(b *testing.B) {
	for _, typ := range allOperators {
		op, err := NewOperator(typ)
		if err != nil {
			b.Fatal(err)
		}

		for _, size := range []int{1024, 16384, 262144} {
			data := semiCompressible(size)
			dst := make([]byte, op.MaxOutputSize(size))

			b.Run(fmt.Sprintf("%s/%dKB", typ, size/1024), func(b *testing.B) {
				b.SetBytes(int64(size))
				b.ReportAllocs()

				for b.Loop() {
					if _, err := op.SetData(dst, data); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkOperators_GetData(b *testing.B) {
	for _, typ := range allOperators {
		op, err := NewOperator(typ)
		if err != nil {
			b.Fatal(err)
		}

		size := 65536
		data := semiCompressible(size)
		dst := make([]byte, op.MaxOutputSize(size))
		n, err := op.SetData(dst, data)
		if err != nil {
			b.Fatal(err)
		}

		var info OperatorInfo
		op.SetMetadata(&info, size)
		op.UpdateMetadata(&info, n)

		b.Run(typ.String(), func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()

			for b.Loop() {
				if _, err := op.GetData(dst[:n], info); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
