/*
Copyright 2024 The Local PKD Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pa

import (
	"testing"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/testutil"
)

// the ICAO 9303 specimen MRZ, all check digits valid
const (
	specimenLine1 = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<"
	specimenLine2 = "L898902C36UTO7408122F1204159ZE184226B<<<<<10"
)

func TestParseDG1BareMRZ(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		info, err := ParseDG1([]byte(specimenLine1 + "\n" + specimenLine2))
		t.CheckNoError(err)

		t.CheckDeepEqual("P", info.DocumentCode)
		t.CheckDeepEqual("UTO", info.IssuingState)
		t.CheckDeepEqual("ERIKSSON", info.PrimaryID)
		t.CheckDeepEqual("ANNA MARIA", info.SecondaryID)
		t.CheckDeepEqual("L898902C3", info.DocumentNumber)
		t.CheckDeepEqual("UTO", info.Nationality)
		t.CheckDeepEqual("740812", info.DateOfBirth)
		t.CheckDeepEqual("F", info.Sex)
		t.CheckDeepEqual("120415", info.DateOfExpiry)
		t.CheckDeepEqual("ZE184226B", info.PersonalNumber)

		t.CheckTrue(info.DocumentNumberCheckOK)
		t.CheckTrue(info.DateOfBirthCheckOK)
		t.CheckTrue(info.DateOfExpiryCheckOK)
		t.CheckTrue(info.PersonalNumberCheckOK)
		t.CheckTrue(info.CompositeCheckOK)
	})
}

func TestParseDG1Tlv(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		mrz := []byte(specimenLine1 + specimenLine2)

		// 61 L { 5F 1F L <mrz> }
		inner := append([]byte{0x5f, 0x1f, byte(len(mrz))}, mrz...)
		dg1 := append([]byte{0x61, 0x81, byte(len(inner))}, inner...)

		info, err := ParseDG1(dg1)
		t.CheckNoError(err)
		t.CheckDeepEqual("L898902C3", info.DocumentNumber)
		t.CheckTrue(info.CompositeCheckOK)
	})
}

func TestParseDG1BadCheckDigit(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		// break the document number check digit
		line2 := []byte(specimenLine2)
		line2[9] = '0'

		info, err := ParseDG1([]byte(specimenLine1 + string(line2)))
		t.CheckNoError(err)
		t.CheckFalse(info.DocumentNumberCheckOK)
		t.CheckFalse(info.CompositeCheckOK)
		t.CheckTrue(info.DateOfBirthCheckOK)
	})
}

func TestParseDG1Rejects(t *testing.T) {
	tests := []struct {
		description string
		in          string
	}{
		{description: "wrong length", in: "P<UTO"},
		{description: "invalid character", in: specimenLine1 + specimenLine2[:43] + "?"},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			_, err := ParseDG1([]byte(test.in))
			t.CheckError(true, err)
			t.CheckTrue(pkderrors.IsCode(err, pkderrors.DERParse))
		})
	}
}

func TestCheckDigit(t *testing.T) {
	tests := []struct {
		description string
		field       string
		expected    byte
	}{
		{description: "specimen document number", field: "L898902C3", expected: '6'},
		{description: "specimen birth date", field: "740812", expected: '2'},
		{description: "specimen expiry date", field: "120415", expected: '9'},
		{description: "fillers count zero", field: "<<<<<<", expected: '0'},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			t.CheckDeepEqual(test.expected, checkDigit(test.field))
		})
	}
}
